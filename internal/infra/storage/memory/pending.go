package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// PendingStore keeps pending retries in process memory. Contents are lost on
// restart, so it only suits single-shot runs and tests.
type PendingStore struct {
	mu    sync.Mutex
	items map[string]domain.PendingRetry
}

func NewPendingStore() *PendingStore {
	return &PendingStore{items: make(map[string]domain.PendingRetry)}
}

func (s *PendingStore) Put(ctx context.Context, p *domain.PendingRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.RunID] = *p
	return nil
}

func (s *PendingStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, runID)
	return nil
}

func (s *PendingStore) List(ctx context.Context) ([]*domain.PendingRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.PendingRetry, 0, len(s.items))
	for _, p := range s.items {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}

// RunLocker is a process-local claim table keyed by run id.
type RunLocker struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewRunLocker() *RunLocker {
	return &RunLocker{
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *RunLocker) Claim(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.claims[runID]; ok && now.Before(exp) {
		return false, nil
	}
	l.claims[runID] = now.Add(ttl)
	return true, nil
}

func (l *RunLocker) Release(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, runID)
	return nil
}

// RetryReservations is a process-local table of in-flight retries per pipeline.
type RetryReservations struct {
	mu    sync.Mutex
	items map[string]map[string]time.Time
	now   func() time.Time
}

func NewRetryReservations() *RetryReservations {
	return &RetryReservations{
		items: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

func (r *RetryReservations) Reserve(ctx context.Context, pipelineName, runID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs, ok := r.items[pipelineName]
	if !ok {
		runs = make(map[string]time.Time)
		r.items[pipelineName] = runs
	}
	runs[runID] = r.now().Add(ttl)
	return nil
}

func (r *RetryReservations) Release(ctx context.Context, pipelineName, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.items[pipelineName], runID)
	if len(r.items[pipelineName]) == 0 {
		delete(r.items, pipelineName)
	}
	return nil
}

func (r *RetryReservations) Count(ctx context.Context, pipelineName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for runID, exp := range r.items[pipelineName] {
		if !now.Before(exp) {
			delete(r.items[pipelineName], runID)
			continue
		}
		n++
	}
	return n, nil
}
