package platform

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

const sourceStatic = "static"

// StaticFeed serves a fixed set of failed runs and accepts every rerun. It
// backs demo mode and tests.
type StaticFeed struct {
	mu     sync.Mutex
	runs   []domain.FailureEvent
	reruns []string
}

// NewStaticFeed creates a feed serving runs.
func NewStaticFeed(runs []domain.FailureEvent) *StaticFeed {
	return &StaticFeed{runs: append([]domain.FailureEvent(nil), runs...)}
}

// NewDemoFeed returns a feed seeded with representative failures that
// started relative to now.
func NewDemoFeed(now time.Time) *StaticFeed {
	ended := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}
	return NewStaticFeed([]domain.FailureEvent{
		{
			RunID:        "demo-run-001",
			PipelineName: "DataProcessingPipeline",
			StartedAt:    now.Add(-30 * time.Minute),
			EndedAt:      ended(25 * time.Minute),
			ErrorMessage: "Activity 'CopyData' failed: The source database connection failed due to timeout. Error code: 40001",
			SourceSystem: sourceStatic,
		},
		{
			RunID:        "demo-run-002",
			PipelineName: "DataValidationPipeline",
			StartedAt:    now.Add(-15 * time.Minute),
			EndedAt:      ended(10 * time.Minute),
			ErrorMessage: "Validation failed: Missing required column 'customer_id' in source file",
			SourceSystem: sourceStatic,
		},
		{
			RunID:        "demo-run-003",
			PipelineName: "CustomerDataPipeline",
			StartedAt:    now.Add(-20 * time.Minute),
			EndedAt:      ended(18 * time.Minute),
			ErrorMessage: "Access denied: Insufficient permissions to read from storage account",
			SourceSystem: sourceStatic,
		},
	})
}

// Add appends a failed run.
func (f *StaticFeed) Add(e domain.FailureEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, e)
}

// ListFailedRuns returns runs whose end (or start, while running) lies in [since, until].
func (f *StaticFeed) ListFailedRuns(ctx context.Context, since, until time.Time) ([]domain.FailureEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.FailureEvent
	for _, r := range f.runs {
		at := r.StartedAt
		if r.EndedAt != nil {
			at = *r.EndedAt
		}
		if at.Before(since) || at.After(until) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Rerun records the request and accepts it.
func (f *StaticFeed) Rerun(ctx context.Context, pipelineName, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reruns = append(f.reruns, runID)
	return true, nil
}

// Reruns returns the run ids a rerun was requested for.
func (f *StaticFeed) Reruns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reruns...)
}
