package domain

import "time"

// PendingRetry is a delayed rerun that was persisted because the wait was interrupted.
type PendingRetry struct {
	RunID        string    `json:"run_id"`
	PipelineName string    `json:"pipeline_name"`
	EntryID      string    `json:"entry_id"`
	DueAt        time.Time `json:"due_at"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}
