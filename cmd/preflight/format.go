package main

import (
	"fmt"
	"strings"

	"github.com/pario-ai/preflight/pkg/models"
)

func formatDecision(mode models.BudgetMode, d models.BudgetDecision) string {
	if d.Disabled {
		return "AI budget enforcement is disabled; nothing checked or recorded.\n"
	}
	if d.Skipped {
		return fmt.Sprintf("No live AI requests planned; %s skipped (budget %d).\n", mode, d.Budget)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "AI budget %s for %s\n", mode, d.Date)
	row := func(label string, v int) { fmt.Fprintf(&b, "  %-18s %d\n", label, v) }
	row("budget", d.Budget)
	row("used today", d.UsedToday)
	row("remaining", d.RemainingBefore)
	if mode == models.BudgetReport {
		return b.String()
	}
	row("planned", d.PlannedRequests)

	switch {
	case d.WouldExceed:
		fmt.Fprintf(&b, "  %-18s EXCEEDED (%d + %d > %d)\n", "result", d.UsedToday, d.PlannedRequests, d.Budget)
	case mode == models.BudgetConsume:
		row("remaining after", d.RemainingAfter)
		fmt.Fprintf(&b, "  %-18s CONSUMED\n", "result")
	default:
		row("remaining after", d.RemainingAfter)
		fmt.Fprintf(&b, "  %-18s OK\n", "result")
	}
	return b.String()
}
