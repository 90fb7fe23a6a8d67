package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/preflight/pkg/claim"
	"github.com/spf13/cobra"
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear a run's seed lock",
		Long: `Inspect or clear a run's seed lock.

A worker killed while seeding leaves its lock behind and later workers for the
same run time out waiting. preflight never removes such a lock on its own;
use "lock status" to find it and "lock clear" to remove it.`,
	}

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the lock holder and completion marker for a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := runIDArg(a, args)
			store, closeStore, err := a.claimStore(a.cfg.Seed.Namespace)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			done, err := store.Done(ctx, runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:    %s\n", runID)
			fmt.Fprintf(out, "Seeded: %t\n", done)

			info, err := store.Inspect(ctx, runID)
			if errors.Is(err, claim.ErrNotHeld) {
				fmt.Fprintln(out, "Lock:   free")
				return nil
			}
			if err != nil {
				return err
			}

			age := info.Age(time.Now()).Round(time.Second)
			fmt.Fprintf(out, "Lock:   held at %s\n", info.Location)
			fmt.Fprintf(out, "Holder: %s (host %s, pid %d)\n", defaultStr(info.HolderID, "unknown"), defaultStr(info.Host, "unknown"), info.PID)
			fmt.Fprintf(out, "Age:    %s\n", age)
			if !done && age > a.cfg.Seed.Timeout {
				fmt.Fprintf(out, "Lock is older than the %s wait timeout and the run is not seeded; its holder has likely died.\n", a.cfg.Seed.Timeout)
				fmt.Fprintf(out, "Run `preflight lock clear %s` once you have confirmed no seed is in progress.\n", runID)
			}
			return nil
		},
	}

	var clearDone bool
	clearCmd := &cobra.Command{
		Use:   "clear [run-id]",
		Short: "Remove a run's seed lock (and optionally its completion marker)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := runIDArg(a, args)
			store, closeStore, err := a.claimStore(a.cfg.Seed.Namespace)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			if err := store.Release(ctx, runID); err != nil {
				return err
			}
			a.log.Warn("seed lock cleared by operator", "subsystem", "claim", "run_id", runID)
			fmt.Fprintf(cmd.OutOrStdout(), "Lock for run %s cleared.\n", runID)

			if clearDone {
				if err := store.ClearDone(ctx, runID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completion marker for run %s cleared; the next seed call runs again.\n", runID)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&clearDone, "done", false, "also remove the completion marker")

	cmd.AddCommand(statusCmd, clearCmd)
	return cmd
}

func runIDArg(a *app, args []string) string {
	if len(args) == 1 && args[0] != "" {
		return args[0]
	}
	return a.cfg.RunID
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
