package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pario-ai/preflight/pkg/estimate"
	"github.com/spf13/cobra"
)

func newEstimateCmd(a *app) *cobra.Command {
	var (
		root    string
		marker  string
		verbose bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate planned AI requests from marked tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				a.cfg.Estimate.Root = root
			}
			if marker != "" {
				a.cfg.Estimate.Marker = marker
			}

			res, err := plan(cmd.Context(), a, a.cfg.Budget.PlannedOverride)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatEstimate(res, a.cfg.Estimate.Marker, a.cfg.Budget.RequestsPerCase, verbose))
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "test corpus directory (default from config)")
	cmd.Flags().StringVar(&marker, "marker", "", "live test marker (default from config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list matches per file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func formatEstimate(res estimate.Result, marker string, perCase int, perFile bool) string {
	if res.Overridden {
		return fmt.Sprintf("Planned AI requests: %d (override, corpus not scanned)\n", res.Planned)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Planned AI requests: %d (%d tests marked %s x %d per case, %d files scanned)\n",
		res.Planned, res.Matches, marker, perCase, res.Files)
	if !perFile || len(res.PerFile) == 0 {
		return b.String()
	}

	files := make([]string, 0, len(res.PerFile))
	for f := range res.PerFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(&b, "  %-40s %4d\n", f, res.PerFile[f])
	}
	return b.String()
}
