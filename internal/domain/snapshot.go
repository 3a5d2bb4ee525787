package domain

import "time"

// Snapshot is the process-wide progress summary exposed for monitoring.
type Snapshot struct {
	Status      string    `json:"status"`
	Task        string    `json:"task"`
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	ActiveUsers int       `json:"activeUsers"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// IdleSnapshot returns the snapshot published at startup and after a quiet period.
func IdleSnapshot(now time.Time) Snapshot {
	return Snapshot{
		Status:     "idle",
		Task:       "Waiting for user commands",
		Completed:  0,
		Total:      100,
		LastUpdate: now,
	}
}
