package domain

import "time"

// FailureEvent represents one observed failed execution of a scheduled pipeline.
type FailureEvent struct {
	RunID        string     `json:"run_id"`
	PipelineName string     `json:"pipeline_name"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorMessage string     `json:"error_message"`
	SourceSystem string     `json:"source_system"`
}

// Validate checks the fields the engine cannot work without.
func (e FailureEvent) Validate() error {
	if e.RunID == "" {
		return ErrMissingRunID
	}
	if e.PipelineName == "" {
		return ErrMissingPipeline
	}
	return nil
}
