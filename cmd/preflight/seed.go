package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pario-ai/preflight/pkg/coordinator"
	"github.com/pario-ai/preflight/pkg/seed"
	"github.com/spf13/cobra"
)

func newSeedCmd(a *app) *cobra.Command {
	var (
		runID   string
		url     string
		method  string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "seed [--url URL | -- command [args...]]",
		Short: "Run the shared seed action once per run, however many workers call it",
		Long: `Run the shared seed action once per run.

The first worker to claim the run's lock performs the seed; every other
worker waits until the seed is marked complete, or fails after the timeout.
The seed is either an HTTP call (--url) or a local command given after --.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (url == "") == (len(args) == 0) {
				return usageError{fmt.Errorf("seed: give exactly one of --url or a command after --")}
			}
			if runID == "" {
				runID = a.cfg.RunID
			}

			var action coordinator.Action
			if url != "" {
				h, err := seed.ParseHeaders(headers)
				if err != nil {
					return usageError{err}
				}
				action = seed.HTTPAction(&http.Client{Timeout: a.cfg.Seed.Timeout}, method, url, h)
			} else {
				action = seed.CommandAction(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], args[1:]...)
			}

			store, closeStore, err := a.claimStore(a.cfg.Seed.Namespace)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := coordinator.New(store, coordinator.Options{
				PollInterval: a.cfg.Seed.PollInterval,
				Timeout:      a.cfg.Seed.Timeout,
				Logger:       a.log,
			})
			if err := c.EnsureOnce(ctx, runID, action); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seed ready for run %s.\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identity (default from PREFLIGHT_RUN_ID / CI)")
	cmd.Flags().StringVar(&url, "url", "", "seed endpoint to call")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method for --url")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra request header Key=Value (repeatable, $VARS expanded)")
	return cmd
}
