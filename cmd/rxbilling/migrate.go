package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, logger.Zap())
	if err != nil {
		logger.Errorw("migration failed", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer store.Close()

	logger.Infow("all migrations applied successfully", "driver", cfg.Database.Driver)
	return nil
}
