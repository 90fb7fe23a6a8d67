package main

import (
	"testing"

	"github.com/pario-ai/preflight/pkg/estimate"
	"github.com/pario-ai/preflight/pkg/models"
	"github.com/sebdah/goldie/v2"
)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestFormatDecision(t *testing.T) {
	tests := []struct {
		name string
		mode models.BudgetMode
		d    models.BudgetDecision
	}{
		{
			name: "check_ok",
			mode: models.BudgetCheck,
			d: models.BudgetDecision{
				Date: "2026-03-02", PlannedRequests: 5, UsedToday: 0, Budget: 8,
				RemainingBefore: 8, RemainingAfter: 3,
			},
		},
		{
			name: "check_exceeded",
			mode: models.BudgetCheck,
			d: models.BudgetDecision{
				Date: "2026-03-02", PlannedRequests: 5, UsedToday: 6, Budget: 8,
				RemainingBefore: 2, RemainingAfter: 0, WouldExceed: true,
			},
		},
		{
			name: "consume_ok",
			mode: models.BudgetConsume,
			d: models.BudgetDecision{
				Date: "2026-03-02", PlannedRequests: 5, UsedToday: 0, Budget: 8,
				RemainingBefore: 8, RemainingAfter: 3,
			},
		},
		{
			name: "report",
			mode: models.BudgetReport,
			d: models.BudgetDecision{
				Date: "2026-03-02", UsedToday: 5, Budget: 8,
				RemainingBefore: 3, RemainingAfter: 3,
			},
		},
		{
			name: "disabled",
			mode: models.BudgetConsume,
			d:    models.BudgetDecision{Disabled: true, PlannedRequests: 5},
		},
		{
			name: "skipped",
			mode: models.BudgetCheck,
			d:    models.BudgetDecision{Skipped: true, Budget: 8},
		},
	}

	g := newGolden(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, []byte(formatDecision(tt.mode, tt.d)))
		})
	}
}

func TestFormatEstimate(t *testing.T) {
	g := newGolden(t)

	t.Run("verbose", func(t *testing.T) {
		res := estimate.Result{
			Files:   3,
			Matches: 5,
			Planned: 5,
			PerFile: map[string]int{"nested/b.test.ts": 3, "a.spec.ts": 2},
		}
		g.Assert(t, "estimate_verbose", []byte(formatEstimate(res, "@live", 1, true)))
	})

	t.Run("override", func(t *testing.T) {
		res := estimate.Result{Planned: 7, Overridden: true}
		g.Assert(t, "estimate_override", []byte(formatEstimate(res, "@live", 1, true)))
	})
}
