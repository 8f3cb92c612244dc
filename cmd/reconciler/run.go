package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"workledger/internal/config"
	"workledger/internal/domain"
	"workledger/internal/logging"
)

// annotationBindsFlags marks commands whose flags override configuration keys.
const annotationBindsFlags = "workledger/binds-flags"

// runFlagKeys maps run flags to the configuration keys they override.
var runFlagKeys = map[string]string{
	"output":     "report.output",
	"format":     "report.format",
	"error-mode": "reconciliation.error_mode",
	"workers":    "reconciliation.workers",
	"timeout":    "reconciliation.timeout",
	"bucket":     "reconciliation.bucket_width",
	"aliases":    "aliases.file",
}

func bindRunFlags(loader *config.Loader, cmd *cobra.Command) error {
	for name, key := range runFlagKeys {
		if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

type runOptions struct {
	delivery, timesheet, billing string

	deliverySchema, timesheetSchema, billingSchema string
}

func (o runOptions) inputs() []domain.SourceInput {
	var inputs []domain.SourceInput
	add := func(source domain.SourceSystem, path, version string) {
		if path != "" {
			inputs = append(inputs, domain.SourceInput{Source: source, SchemaVersion: version, Path: path})
		}
	}
	add(domain.SourceDelivery, o.delivery, o.deliverySchema)
	add(domain.SourceTimesheet, o.timesheet, o.timesheetSchema)
	add(domain.SourceBilling, o.billing, o.billingSchema)
	return inputs
}

func newRunCmd(c *cli) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation over CSV exports",
		Example: `  reconciler run --delivery worklogs.csv --timesheet timesheets.csv --billing invoices.csv
  reconciler run --timesheet ts.csv --timesheet-schema 2 --billing invoices.csv --format yaml --output reports/`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationBindsFlags: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			inputs := opts.inputs()
			if len(inputs) == 0 {
				return errors.New("at least one of --delivery, --timesheet or --billing is required")
			}

			ctx := cmd.Context()
			logger := logging.FromContext(ctx)
			rt, err := buildRuntime(ctx, c.cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			report, runErr := rt.usecase.Reconcile(ctx, inputs)
			if err := rt.exportMetrics(); err != nil {
				logger.Warn().Err(err).Msg("could not export metrics")
			}
			if runErr != nil {
				return fmt.Errorf("reconciliation failed: %w", runErr)
			}

			logger.Info().
				Str("run_id", report.RunID).
				Str("digest", report.Digest).
				Int("needs_review", report.Summary.NeedsReview).
				Msg("report emitted")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.delivery, "delivery", "", "delivery worklog export (CSV)")
	f.StringVar(&opts.timesheet, "timesheet", "", "timesheet export (CSV)")
	f.StringVar(&opts.billing, "billing", "", "billing export (CSV)")
	f.StringVar(&opts.deliverySchema, "delivery-schema", "1", "delivery schema version")
	f.StringVar(&opts.timesheetSchema, "timesheet-schema", "1", "timesheet schema version")
	f.StringVar(&opts.billingSchema, "billing-schema", "1", "billing schema version")

	f.String("output", "-", `report destination: "-" for stdout or a directory`)
	f.String("format", "json", "report format (json, yaml)")
	f.String("error-mode", string(domain.ErrorModeQuarantine), "per-record failure handling (fail-fast, quarantine)")
	f.Int("workers", 0, "normalization and comparison workers")
	f.Duration("timeout", 0, "run timeout")
	f.String("bucket", "", "period bucket width (day, week, month)")
	f.String("aliases", "", "alias table (YAML)")
	return cmd
}
