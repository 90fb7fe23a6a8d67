package models

import "time"

// ClaimInfo describes the holder of an exclusive claim. File-backed claims
// store it as the lock file body.
type ClaimInfo struct {
	Key        string    `json:"key"`
	HolderID   string    `json:"holder_id"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Location   string    `json:"-"`
}

// Age reports how long the claim has been held relative to now.
func (c ClaimInfo) Age(now time.Time) time.Duration {
	if c.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(c.AcquiredAt)
}
