package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

func seedPending(t *testing.T, h *harness, ids ...string) {
	t.Helper()
	for i, id := range ids {
		err := h.pending.Put(context.Background(), &domain.PendingRetry{
			RunID:        id,
			PipelineName: "P",
			DueAt:        time.Now().Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
}

func TestResumePending_RerunsAndClears(t *testing.T) {
	h := newHarness(t, keywordManager(t))
	seedPending(t, h, "a", "b")
	h.coord.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	sum, err := h.coord.ResumePending(context.Background(), true)
	if err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}
	if sum.Resumed != 2 || sum.Remaining != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if r := h.feed.Reruns(); len(r) != 2 || r[0] != "a" {
		t.Errorf("unexpected reruns: %v", r)
	}
	if left, _ := h.pending.List(context.Background()); len(left) != 0 {
		t.Errorf("pending store should be empty, got %d", len(left))
	}
	if h.ledger.Len() != 0 {
		t.Error("resume must not write ledger entries")
	}
}

func TestResumePending_StopsOnCancel(t *testing.T) {
	h := newHarness(t, keywordManager(t))
	seedPending(t, h, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.coord.ResumePending(ctx, true)
	if err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}
	if sum.Remaining != 2 || len(h.feed.Reruns()) != 0 {
		t.Errorf("expected nothing resumed, got %+v", sum)
	}
	if left, _ := h.pending.List(context.Background()); len(left) != 2 {
		t.Errorf("entries should stay in the store, got %d", len(left))
	}
}

func TestResumePending_Abandon(t *testing.T) {
	h := newHarness(t, keywordManager(t))
	seedPending(t, h, "a", "b")

	sum, err := h.coord.ResumePending(context.Background(), false)
	if err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}
	if sum.Abandoned != 2 || len(h.feed.Reruns()) != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestAbandonPending_Selected(t *testing.T) {
	h := newHarness(t, keywordManager(t))
	seedPending(t, h, "a", "b", "c")

	n, err := h.coord.AbandonPending(context.Background(), "b")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 abandoned, got %d, %v", n, err)
	}
	left, _ := h.coord.ListPending(context.Background())
	if len(left) != 2 || left[0].RunID != "a" || left[1].RunID != "c" {
		t.Errorf("unexpected remaining: %+v", left)
	}

	n, _ = h.coord.AbandonPending(context.Background())
	if n != 2 {
		t.Errorf("expected the rest abandoned, got %d", n)
	}
}
