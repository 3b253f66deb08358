package domain

import "time"

// ActionOutcome records what happened when the verdict was acted on.
type ActionOutcome string

const (
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomePending   ActionOutcome = "pending"
)

// MaxStoredErrorMessage bounds the error text copied into the ledger.
const MaxStoredErrorMessage = 2000

// LedgerEntry is the permanent audit record of one triage decision.
// Entries are append-only.
type LedgerEntry struct {
	EntryID        string         `json:"entry_id"`
	RunID          string         `json:"run_id"`
	PipelineName   string         `json:"pipeline_name"`
	SourceSystem   string         `json:"source_system,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Classification Classification `json:"classification"`
	Verdict        RetryVerdict   `json:"verdict"`
	ActionOutcome  ActionOutcome  `json:"action_outcome"`
	ActionError    string         `json:"action_error,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// LedgerHistory is the slice of ledger facts handed to the retry policy.
// AsOf anchors the trailing window so evaluation never reads the clock.
type LedgerHistory struct {
	AsOf    time.Time
	Entries []*LedgerEntry
	// InFlightRetries are retry verdicts for the pipeline that were decided
	// but are not yet among Entries. They count against the retry budget.
	InFlightRetries int
}

// LedgerStats summarizes ledger activity since a point in time.
type LedgerStats struct {
	Since       time.Time `json:"since"`
	Total       int       `json:"total"`
	Retries     int       `json:"retries"`
	Escalations int       `json:"escalations"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	Degraded    int       `json:"degraded"`
}

// Add folds one entry into the stats.
func (s *LedgerStats) Add(e *LedgerEntry) {
	s.Total++
	switch e.Verdict.Decision {
	case DecisionRetry:
		s.Retries++
	case DecisionEscalate:
		s.Escalations++
	}
	switch e.ActionOutcome {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomePending:
		s.Pending++
	}
	if e.Classification.Degraded {
		s.Degraded++
	}
}

// TruncateMessage cuts free text to MaxStoredErrorMessage runes.
func TruncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxStoredErrorMessage {
		return msg
	}
	return string(r[:MaxStoredErrorMessage])
}
