package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/warp/rxbilling/billing"
	"github.com/warp/rxbilling/export"
)

var statementsCmd = &cobra.Command{
	Use:   "statements",
	Short: "Materialize and export statements",
}

var rebuildOpts struct {
	from, to string
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Materialize every statement for a range of months (YYYY-MM)",
	RunE:  runRebuild,
}

var exportOpts struct {
	patient int64
	month   string
	format  string
	out     string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a patient statement (--patient) or the financial statement to a file",
	RunE:  runExport,
}

func init() {
	rf := rebuildCmd.Flags()
	rf.StringVar(&rebuildOpts.from, "from", "", "First month, YYYY-MM (required)")
	rf.StringVar(&rebuildOpts.to, "to", "", "Last month, YYYY-MM (default: --from)")
	_ = rebuildCmd.MarkFlagRequired("from")

	ef := exportCmd.Flags()
	ef.Int64Var(&exportOpts.patient, "patient", 0, "Patient id; omit for the financial statement")
	ef.StringVar(&exportOpts.month, "month", "", "Month, YYYY-MM (required)")
	ef.StringVar(&exportOpts.format, "format", "pdf", "pdf or xlsx")
	ef.StringVar(&exportOpts.out, "out", "", "Output file (default: generated name in the current directory)")
	_ = exportCmd.MarkFlagRequired("month")

	statementsCmd.AddCommand(rebuildCmd, exportCmd)
	rootCmd.AddCommand(statementsCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	from, err := billing.ParseMonth(rebuildOpts.from)
	if err != nil {
		return err
	}
	to := from
	if rebuildOpts.to != "" {
		if to, err = billing.ParseMonth(rebuildOpts.to); err != nil {
			return err
		}
	}

	store, err := openStore(ctx, logger.Zap())
	if err != nil {
		return err
	}
	defer store.Close()

	outcomes, err := newReconciler(store).RebuildStatements(ctx, from, to)
	for _, out := range outcomes {
		logger.Infow("month rebuilt", "run_id", out.RunID, "monthly", len(out.Monthly), "global", len(out.Global))
	}
	if err != nil {
		return errors.Wrapf(err, "rebuild stopped after %d month(s)", len(outcomes))
	}
	logger.Infow("rebuild complete", "from", from.String(), "to", to.String(), "months", len(outcomes))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	month, err := billing.ParseMonth(exportOpts.month)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(exportOpts.format)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, logger.Zap())
	if err != nil {
		return err
	}
	defer store.Close()
	r := newReconciler(store)

	var (
		data []byte
		name string
	)
	if exportOpts.patient != 0 {
		detail, err := r.MonthlyStatementDetail(ctx, billing.PatientID(exportOpts.patient), month)
		if err != nil {
			return err
		}
		if data, err = export.Monthly(format, detail); err != nil {
			return err
		}
		name = export.MonthlyFilename(format, detail.Statement)
	} else {
		detail, err := r.FinancialStatementDetail(ctx, month)
		if err != nil {
			return err
		}
		if data, err = export.Financial(format, detail); err != nil {
			return err
		}
		name = export.FinancialFilename(format, detail.Statement)
	}

	if exportOpts.out != "" {
		name = exportOpts.out
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	logger.Infow("statement exported", "file", name, "bytes", len(data))
	return nil
}
