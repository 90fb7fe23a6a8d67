package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/preflight/pkg/models"
	"github.com/pario-ai/preflight/pkg/tracker"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		since     string
		daily     bool
		pruneDays int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded AI budget consumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Ledger.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Consumption ledger is disabled.")
				return nil
			}
			if _, err := os.Stat(a.cfg.Ledger.DBPath); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No consumption recorded yet.")
				return nil
			}

			if since == "" {
				since = time.Now().UTC().AddDate(0, 0, -6).Format(models.DateLayout)
			} else if _, err := time.Parse(models.DateLayout, since); err != nil {
				return usageError{fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)}
			}

			tr, err := tracker.New(a.cfg.Ledger.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if pruneDays > 0 {
				before := time.Now().UTC().AddDate(0, 0, -pruneDays).Format(models.DateLayout)
				n, err := tr.Prune(ctx, before)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d records before %s.\n", n, before)
			}

			if daily {
				days, err := tr.Daily(ctx, since)
				if err != nil {
					return err
				}
				if len(days) == 0 {
					fmt.Fprintln(out, "No consumption recorded.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DATE\tRUNS\tREQUESTS\tBUDGET")
				for _, d := range days {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", d.Date, d.Runs, d.Requests, a.cfg.Budget.EffectiveBudget())
				}
				return w.Flush()
			}

			records, err := tr.History(ctx, since)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No consumption recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDATE\tRUN\tPLANNED\tUSED AFTER")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
					r.CreatedAt.UTC().Format("2006-01-02T15:04:05"), r.Date, defaultStr(r.RunID, "-"), r.Planned, r.UsedAfter)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "first day to show (YYYY-MM-DD, default: last 7 days)")
	cmd.Flags().BoolVar(&daily, "daily", false, "aggregate per day")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "delete records older than this many days first")
	return cmd
}
