package models

import "time"

// ConsumptionRecord is one successful consume call in the ledger.
type ConsumptionRecord struct {
	ID        int64     `json:"id"`
	Date      string    `json:"date"`
	RunID     string    `json:"run_id,omitempty"`
	Planned   int       `json:"planned"`
	UsedAfter int       `json:"used_after"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyUsage aggregates ledger records for one UTC day.
type DailyUsage struct {
	Date     string `json:"date"`
	Runs     int    `json:"runs"`
	Requests int    `json:"requests"`
}
