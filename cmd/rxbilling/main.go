/*
rxbilling - Pharmacy billing reconciliation service and tooling

COMMANDS:
  serve                  Run the HTTP API (and the statement scheduler if enabled)
  migrate                Apply database schema migrations
  statements rebuild     Materialize statements for a range of months
  statements export      Write one statement to a PDF or XLSX file

CONFIGURATION:
  rxbilling.yaml in ., ./config or /etc/rxbilling, or --config. Every key can
  be overridden with RXBILLING_* environment variables (see config package).

EXAMPLES:
  rxbilling migrate
  rxbilling serve --port 9090
  rxbilling statements rebuild --from 2025-01 --to 2025-05
  rxbilling statements export --patient 42 --month 2025-03 --format xlsx

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Keys and defaults
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/rxbilling/billing"
	"github.com/warp/rxbilling/config"
	"github.com/warp/rxbilling/logging"
	"github.com/warp/rxbilling/store/postgres"
	"github.com/warp/rxbilling/store/sqlite"
)

var (
	cfgFile string
	cfg     *config.Configuration
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "rxbilling",
	Short:         "Pharmacy billing: payments, invoices and statement reconciliation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: rxbilling.yaml in ., ./config, /etc/rxbilling)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// backend is a migrated store ready for a reconciler.
type backend interface {
	billing.TxStore
	Close() error
}

// openStore connects to the configured database and applies migrations.
// SQLite migrates on open; PostgreSQL runs its embedded migrations.
func openStore(ctx context.Context, log *zap.Logger) (backend, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Database.DSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Newf("unsupported database driver %q", cfg.Database.Driver)
}

func newReconciler(store billing.TxStore, opts ...billing.Option) *billing.Reconciler {
	base := []billing.Option{
		billing.WithLogger(logger.Zap()),
		billing.WithPageSize(cfg.Cascade.PageSize),
	}
	return billing.NewReconciler(store, append(base, opts...)...)
}
