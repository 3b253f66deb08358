package storage

import (
	"context"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// LedgerRepository is the append-only decision ledger.
// Implementations must enforce uniqueness of RunID and report a conflict
// as domain.ErrDuplicateRun.
type LedgerRepository interface {
	// Append stores a new entry.
	Append(ctx context.Context, entry *domain.LedgerEntry) error

	// CountRetries counts retry verdicts for a pipeline recorded at or after
	// since. The coordinator uses it to notice retries recorded while it was
	// classifying.
	CountRetries(ctx context.Context, pipelineName string, since time.Time) (int, error)

	// HasBeenProcessed reports whether a run id already has an entry.
	HasBeenProcessed(ctx context.Context, runID string) (bool, error)

	// RecentEntries returns entries recorded at or after since, newest first.
	// An empty pipelineName returns entries for every pipeline.
	RecentEntries(ctx context.Context, pipelineName string, since time.Time) ([]*domain.LedgerEntry, error)

	// Stats summarizes entries recorded at or after since.
	Stats(ctx context.Context, since time.Time) (domain.LedgerStats, error)

	// Health checks that the ledger can be reached.
	Health(ctx context.Context) error
}

// PendingStore keeps delayed reruns that were interrupted before they fired.
type PendingStore interface {
	Put(ctx context.Context, p *domain.PendingRetry) error
	Delete(ctx context.Context, runID string) error
	// List returns pending retries ordered by due time, earliest first.
	List(ctx context.Context) ([]*domain.PendingRetry, error)
}

// RunLocker guards a run id while it is being triaged so that concurrent
// deliveries of the same failure never act twice.
type RunLocker interface {
	// Claim returns false when another caller holds the run.
	Claim(ctx context.Context, runID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, runID string) error
}

// RetryReservations track retry verdicts that were decided but not yet
// recorded, so concurrent triages of one pipeline share its retry budget.
type RetryReservations interface {
	// Reserve marks runID as an in-flight retry of the pipeline until it is
	// released or ttl passes.
	Reserve(ctx context.Context, pipelineName, runID string, ttl time.Duration) error
	Release(ctx context.Context, pipelineName, runID string) error
	// Count returns the unexpired reservations of the pipeline.
	Count(ctx context.Context, pipelineName string) (int, error)
}
