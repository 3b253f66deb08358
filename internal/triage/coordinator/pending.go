package coordinator

import (
	"context"
	"fmt"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/triage/metrics"
)

// ResumeSummary reports what ResumePending did.
type ResumeSummary struct {
	Resumed   int `json:"resumed"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Remaining int `json:"remaining"`
}

// ListPending returns the stored pending retries, earliest due first.
func (c *Coordinator) ListPending(ctx context.Context) ([]*domain.PendingRetry, error) {
	items, err := c.pending.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics.PendingRetries.Set(float64(len(items)))
	return items, nil
}

// ResumePending drains the pending store. With resume set, each retry waits
// for its due time and then reruns once; otherwise every entry is abandoned.
// The ledger entry written at triage time is never modified. Entries not reached before ctx
// ends stay in the store.
func (c *Coordinator) ResumePending(ctx context.Context, resume bool) (ResumeSummary, error) {
	items, err := c.ListPending(ctx)
	if err != nil {
		return ResumeSummary{}, fmt.Errorf("list pending retries: %w", err)
	}

	var sum ResumeSummary
	for i, p := range items {
		if !resume {
			if err := c.abandon(ctx, p); err != nil {
				return sum, err
			}
			sum.Abandoned++
			continue
		}

		if err := c.sleep(ctx, p.DueAt.Sub(c.now())); err != nil {
			sum.Remaining = len(items) - i
			return sum, nil
		}

		accepted, err := c.rerunner.Rerun(ctx, p.PipelineName, p.RunID)
		switch {
		case err != nil || !accepted:
			sum.Failed++
			metrics.ActionOutcomes.WithLabelValues("resumed_retry", string(domain.OutcomeFailed)).Inc()
			c.log.Warn("Resumed rerun failed", "run_id", p.RunID, "pipeline", p.PipelineName, "accepted", accepted, "error", err)
		default:
			sum.Resumed++
			metrics.ActionOutcomes.WithLabelValues("resumed_retry", string(domain.OutcomeSucceeded)).Inc()
			c.log.Info("Resumed rerun started", "run_id", p.RunID, "pipeline", p.PipelineName, "entry_id", p.EntryID)
		}

		if err := c.pending.Delete(context.WithoutCancel(ctx), p.RunID); err != nil {
			return sum, fmt.Errorf("delete pending retry %s: %w", p.RunID, err)
		}
		metrics.PendingRetries.Dec()
	}
	return sum, nil
}

// AbandonPending removes the given pending retries, or all of them when no
// run id is given. It returns how many were removed.
func (c *Coordinator) AbandonPending(ctx context.Context, runIDs ...string) (int, error) {
	items, err := c.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending retries: %w", err)
	}

	want := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		want[id] = true
	}

	n := 0
	for _, p := range items {
		if len(want) > 0 && !want[p.RunID] {
			continue
		}
		if err := c.abandon(ctx, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Coordinator) abandon(ctx context.Context, p *domain.PendingRetry) error {
	if err := c.pending.Delete(ctx, p.RunID); err != nil {
		return fmt.Errorf("delete pending retry %s: %w", p.RunID, err)
	}
	metrics.PendingRetries.Dec()
	c.log.Info("Pending retry abandoned", "run_id", p.RunID, "pipeline", p.PipelineName, "due_at", p.DueAt)
	return nil
}
