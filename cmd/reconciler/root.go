package main

import (
	"os"

	"github.com/spf13/cobra"

	"workledger/internal/config"
	"workledger/internal/logging"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configFile string
	envFiles   []string
	loader     *config.Loader
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Reconcile work-effort records across delivery, timesheet and billing systems",
		Long: `reconciler groups effort records from issue-tracker worklogs, employee
timesheets and billing lines by person, work item and period, classifies
every group as MATCHED, PARTIAL, CONFLICT or MISSING and emits an
auditable report of the discrepancies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (YAML)")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", []string{".env", ".env.local"}, "env files loaded before reading the environment")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, console, auto)")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		c.loader = config.NewLoader(c.envFiles...)
		if err := c.loader.BindFlag("log.level", root.PersistentFlags().Lookup("log-level")); err != nil {
			return err
		}
		if err := c.loader.BindFlag("log.format", root.PersistentFlags().Lookup("log-format")); err != nil {
			return err
		}
		if bind, ok := cmd.Annotations[annotationBindsFlags]; ok && bind == "true" {
			if err := bindRunFlags(c.loader, cmd); err != nil {
				return err
			}
		}

		cfg, err := c.loader.Load(c.configFile)
		if err != nil {
			return err
		}
		c.cfg = cfg

		logger, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
		return nil
	}

	root.AddCommand(newRunCmd(c), newConfigCmd(c), newHistoryCmd(c))
	return root
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect reconciler configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective run settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// PersistentPreRunE already loaded and validated the configuration.
			run := c.cfg.Run
			cmd.Printf("configuration valid\n")
			cmd.Printf("  bucket width:  %s\n", run.BucketWidth)
			cmd.Printf("  tolerance:     abs %g, rel %g\n", run.Tolerance.Absolute, run.Tolerance.Relative)
			cmd.Printf("  error mode:    %s\n", run.ErrorMode)
			cmd.Printf("  workers:       %d\n", run.Workers)
			cmd.Printf("  timeout:       %s\n", run.Timeout)
			cmd.Printf("  sources:       %v\n", run.ExpectedSources.Default)
			return nil
		},
	})
	return cmd
}
