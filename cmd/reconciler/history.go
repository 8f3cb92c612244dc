package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"workledger/internal/gateway"
)

var errNoHistoryStore = errors.New("run history needs report.postgres_dsn")

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs stored in PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := historyStore(cmd, c)
			if err != nil {
				return err
			}
			defer closeDB()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tGENERATED\tGROUPS\tUNRESOLVED\tNEEDS REVIEW\tDIGEST")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.12s\n",
					r.RunID, r.GeneratedAt.UTC().Format(time.RFC3339), r.Groups, r.Unresolved, r.NeedsReview, r.Digest)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	var format string
	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print a stored audit report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := historyStore(cmd, c)
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := gateway.EncodeReport(report, gateway.ReportFormat(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVar(&format, "format", "json", "report format (json, yaml)")
	cmd.AddCommand(show)
	return cmd
}

func historyStore(cmd *cobra.Command, c *cli) (*gateway.PostgresReportStore, func(), error) {
	if c.cfg.Report.PostgresDSN == "" {
		return nil, nil, errNoHistoryStore
	}
	db, err := openPostgres(cmd.Context(), c.cfg.Report.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return gateway.NewPostgresReportStore(db), func() { _ = db.Close() }, nil
}
