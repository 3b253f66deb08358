package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable is returned by an adapter on timeout or transport failure.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAllProvidersFailed signals a degraded classification. It never aborts triage.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrDuplicateRun is reported when a run id already has a ledger entry.
	ErrDuplicateRun = errors.New("run already processed")
	// ErrActionFailed wraps a rerun or notify collaborator failure.
	ErrActionFailed = errors.New("action failed")
	// ErrLedgerWriteFailed is the one error that propagates to the caller of triage.
	ErrLedgerWriteFailed = errors.New("ledger write failed")

	ErrMissingRunID    = errors.New("failure event has no run id")
	ErrMissingPipeline = errors.New("failure event has no pipeline name")
)

// ProviderError carries the provider that failed. It matches ErrProviderUnavailable.
type ProviderError struct {
	ProviderID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderUnavailable }

// NewProviderError wraps err as a ProviderError.
func NewProviderError(providerID string, err error) error {
	return &ProviderError{ProviderID: providerID, Err: err}
}

// ActionError carries the action that failed. It matches ErrActionFailed.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Is(target error) bool { return target == ErrActionFailed }
