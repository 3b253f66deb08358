package domain

import "time"

// Decision is the outcome of policy evaluation.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
)

// RetryVerdict is the auditable result of the retry policy.
type RetryVerdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	// RetryDelay is only meaningful when Decision is DecisionRetry.
	RetryDelay time.Duration `json:"retry_delay"`
}

// IsRetry reports whether the verdict asks for an automatic rerun.
func (v RetryVerdict) IsRetry() bool {
	return v.Decision == DecisionRetry
}
