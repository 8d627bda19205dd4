package models

import "time"

// SyncHistoryRecord summarizes one orchestration pass. It is append-only and
// used for observability.
type SyncHistoryRecord struct {
	ID           int64         `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	ErrorSummary string        `json:"error_summary,omitempty"`
}
