package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// LedgerRepo is an in-memory append-only ledger. It is used when no database
// is configured and in tests.
type LedgerRepo struct {
	mu      sync.RWMutex
	entries []*domain.LedgerEntry
	byRun   map[string]*domain.LedgerEntry
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		byRun: make(map[string]*domain.LedgerEntry),
	}
}

func (r *LedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRun[entry.RunID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRun, entry.RunID)
	}
	// Store a copy so callers cannot mutate recorded history.
	stored := cloneEntry(entry)
	r.entries = append(r.entries, stored)
	r.byRun[entry.RunID] = stored
	return nil
}

func (r *LedgerRepo) CountRetries(ctx context.Context, pipelineName string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.PipelineName == pipelineName && e.Verdict.Decision == domain.DecisionRetry && !e.RecordedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *LedgerRepo) HasBeenProcessed(ctx context.Context, runID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byRun[runID]
	return ok, nil
}

func (r *LedgerRepo) RecentEntries(ctx context.Context, pipelineName string, since time.Time) ([]*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, e := range r.entries {
		if pipelineName != "" && e.PipelineName != pipelineName {
			continue
		}
		if e.RecordedAt.Before(since) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out, nil
}

func (r *LedgerRepo) Stats(ctx context.Context, since time.Time) (domain.LedgerStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.LedgerStats{Since: since}
	for _, e := range r.entries {
		if !e.RecordedAt.Before(since) {
			stats.Add(e)
		}
	}
	return stats, nil
}

func (r *LedgerRepo) Health(ctx context.Context) error {
	return nil
}

// Len returns the number of stored entries.
func (r *LedgerRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func cloneEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	c.Classification.RecommendedActions = append([]string(nil), e.Classification.RecommendedActions...)
	return &c
}
