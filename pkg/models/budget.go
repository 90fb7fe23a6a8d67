package models

// DateLayout is the UTC calendar-day format used for budget state.
const DateLayout = "2006-01-02"

// BudgetMode selects which budget verb to run.
type BudgetMode string

const (
	BudgetCheck   BudgetMode = "check"
	BudgetConsume BudgetMode = "consume"
	BudgetReport  BudgetMode = "report"
)

// BudgetModes lists the accepted modes in display order.
var BudgetModes = []BudgetMode{BudgetCheck, BudgetConsume, BudgetReport}

// BudgetState is the persisted daily consumption record.
type BudgetState struct {
	Date string `json:"date"`
	Used int    `json:"used"`
}

// BudgetDecision is the computed outcome of a budget verb. It is never persisted.
type BudgetDecision struct {
	Date            string `json:"date,omitempty"`
	PlannedRequests int    `json:"planned_requests"`
	UsedToday       int    `json:"used_today"`
	Budget          int    `json:"budget"`
	RemainingBefore int    `json:"remaining_before"`
	RemainingAfter  int    `json:"remaining_after"`
	WouldExceed     bool   `json:"would_exceed"`
	Disabled        bool   `json:"disabled,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
}
