package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// =============================================================================
// Stubs
// =============================================================================

type stubLedger struct {
	err   error
	calls int
}

func (s *stubLedger) Health(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubPending struct {
	items []*domain.PendingRetry
	err   error
}

func (s *stubPending) ListPending(ctx context.Context) ([]*domain.PendingRetry, error) {
	return s.items, s.err
}

type stubProviders struct {
	metrics []domain.ProviderMetrics
}

func (s *stubProviders) Metrics() []domain.ProviderMetrics { return s.metrics }

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	monitor := NewMonitor(
		&stubLedger{},
		&stubPending{items: []*domain.PendingRetry{{RunID: "r1"}}},
		&stubProviders{metrics: []domain.ProviderMetrics{{ProviderID: "a", Calls: 10, Successes: 9, Failures: 1}}},
	)

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if report.Components["pending"].Pending != 1 {
		t.Errorf("expected one pending retry, got %+v", report.Components["pending"])
	}
	if rate := report.Components["provider:a"].ErrorRate; rate != 0.1 {
		t.Errorf("expected error rate 0.1, got %v", rate)
	}
}

func TestMonitor_Degraded(t *testing.T) {
	monitor := NewMonitor(
		&stubLedger{},
		&stubPending{},
		&stubProviders{metrics: []domain.ProviderMetrics{
			{ProviderID: "a", Calls: 4, Successes: 1, Failures: 3, LastError: "timeout"},
			{ProviderID: "b", Calls: 4, Successes: 4},
		}},
	)

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if c := report.Components["provider:a"]; c.Status != StatusDegraded || c.Error != "timeout" {
		t.Errorf("unexpected provider health: %+v", c)
	}
	if report.Components["provider:b"].Status != StatusHealthy {
		t.Error("provider b should be healthy")
	}
}

func TestMonitor_PendingStoreErrorDegrades(t *testing.T) {
	monitor := NewMonitor(&stubLedger{}, &stubPending{err: errors.New("redis down")}, nil)

	if got := monitor.CheckHealth(context.Background()).SystemStatus; got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestMonitor_Critical(t *testing.T) {
	monitor := NewMonitor(&stubLedger{err: errors.New("db down")}, nil, nil)

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
	if report.Components["ledger"].Error != "db down" {
		t.Errorf("expected ledger error, got %+v", report.Components["ledger"])
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	ledger := &stubLedger{}
	monitor := NewMonitor(ledger, nil, nil)
	now := time.Now()
	monitor.now = func() time.Time { return now }

	monitor.CheckHealth(context.Background())
	monitor.CheckHealth(context.Background())
	if ledger.calls != 1 {
		t.Errorf("expected cached report, ledger checked %d times", ledger.calls)
	}

	now = now.Add(defaultCacheFor)
	monitor.CheckHealth(context.Background())
	if ledger.calls != 2 {
		t.Errorf("expected fresh check after cache expiry, ledger checked %d times", ledger.calls)
	}
}
