package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pario-ai/preflight/pkg/budget"
	"github.com/pario-ai/preflight/pkg/estimate"
	"github.com/pario-ai/preflight/pkg/models"
	"github.com/pario-ai/preflight/pkg/tracker"
	"github.com/spf13/cobra"
)

var _ budget.Ledger = (*tracker.SQLiteTracker)(nil)

func newBudgetCmd(a *app) *cobra.Command {
	var (
		planned int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "budget <check|consume|report>",
		Short: "Gate live AI requests against the daily budget",
		Long: `Gate live AI requests against the daily budget.

  check    exit 1 if the planned requests would exceed today's remaining budget
  consume  like check, and record the planned requests when they fit
  report   print today's usage and remaining budget`,
		ValidArgs: []string{"check", "consume", "report"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || !slices.Contains(models.BudgetModes, models.BudgetMode(args[0])) {
				fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
				return usageError{fmt.Errorf("budget: expected one mode of check, consume or report, got %v", args)}
			}
			mode := models.BudgetMode(args[0])
			ctx := cmd.Context()
			cfg := a.cfg

			opts := []budget.Option{budget.WithLogger(a.log)}
			if mode == models.BudgetConsume && !cfg.Budget.Disabled {
				if cfg.Ledger.Enabled {
					tr, err := tracker.New(cfg.Ledger.DBPath)
					if err != nil {
						return err
					}
					defer func() { _ = tr.Close() }()
					opts = append(opts, budget.WithLedger(tr, cfg.RunID))
				}
				if cfg.Budget.SerializeConsume {
					locks, closeLocks, err := a.claimStore(cfg.Seed.Namespace + "-budget")
					if err != nil {
						return err
					}
					defer closeLocks()
					opts = append(opts, budget.WithStateLock(locks, cfg.Seed.PollInterval))
				}
			}
			gate := budget.New(cfg.Budget, budget.NewFileStateStore(cfg.Budget.StatePath, a.log), opts...)

			n := 0
			if mode != models.BudgetReport && !cfg.Budget.Disabled {
				override := cfg.Budget.PlannedOverride
				if cmd.Flags().Changed("planned") {
					override = &planned
				}
				res, err := plan(ctx, a, override)
				if err != nil {
					return err
				}
				n = res.Planned
			}

			d, gateErr := gate.Run(ctx, mode, n)
			if gateErr != nil && d == (models.BudgetDecision{}) {
				return gateErr
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), formatDecision(mode, d))
			}
			return gateErr
		},
	}

	cmd.Flags().IntVar(&planned, "planned", 0, "planned request count (skips the test corpus scan)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision as JSON")
	return cmd
}

// plan estimates the planned request count from configuration.
func plan(ctx context.Context, a *app, override *int) (estimate.Result, error) {
	cfg := a.cfg
	return estimate.Estimate(ctx, estimate.Options{
		Root:            cfg.Estimate.Root,
		Marker:          cfg.Estimate.Marker,
		Suffixes:        cfg.Estimate.Suffixes,
		RequestsPerCase: cfg.Budget.RequestsPerCase,
		Override:        override,
		Workers:         cfg.Estimate.Workers,
		Logger:          a.log,
	})
}
