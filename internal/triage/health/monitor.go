package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

const (
	defaultCacheFor = 10 * time.Second
	// A provider failing more than this share of its calls is degraded.
	providerErrorRateLimit = 0.5
)

// Pinger reports whether a dependency can be reached.
type Pinger interface {
	Health(ctx context.Context) error
}

// PendingLister lists delayed retries waiting for a restart.
type PendingLister interface {
	ListPending(ctx context.Context) ([]*domain.PendingRetry, error)
}

// ProviderMetrics exposes per-provider call counters.
type ProviderMetrics interface {
	Metrics() []domain.ProviderMetrics
}

// Monitor aggregates health status from the ledger, the pending retry store
// and the analysis providers. Only an unreachable ledger is critical: without
// it no decision can be recorded. Provider trouble degrades classification
// but triage still completes.
type Monitor struct {
	ledger    Pinger
	pending   PendingLister
	providers ProviderMetrics
	cacheFor  time.Duration
	lastCheck time.Time
	last      Report
	now       func() time.Time
	mu        sync.Mutex
}

// NewMonitor creates a new health monitor. pending and providers may be nil.
func NewMonitor(ledger Pinger, pending PendingLister, providers ProviderMetrics) *Monitor {
	return &Monitor{
		ledger:    ledger,
		pending:   pending,
		providers: providers,
		cacheFor:  defaultCacheFor,
		now:       time.Now,
	}
}

// CheckHealth checks every component. Results are reused for a short while
// so that probes do not hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cacheFor {
		return m.last
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
		CheckedAt:    now,
	}
	add := func(c ComponentHealth) {
		report.Components[c.Name] = c
		report.SystemStatus = worst(report.SystemStatus, c.Status)
	}

	ledger := ComponentHealth{Name: "ledger", Status: StatusHealthy}
	if err := m.ledger.Health(ctx); err != nil {
		ledger.Status = StatusCritical
		ledger.Error = err.Error()
	}
	add(ledger)

	if m.pending != nil {
		pending := ComponentHealth{Name: "pending", Status: StatusHealthy}
		items, err := m.pending.ListPending(ctx)
		if err != nil {
			pending.Status = StatusDegraded
			pending.Error = err.Error()
		}
		pending.Pending = len(items)
		add(pending)
	}

	if m.providers != nil {
		for _, pm := range m.providers.Metrics() {
			c := ComponentHealth{Name: "provider:" + pm.ProviderID, Status: StatusHealthy, Error: pm.LastError}
			if pm.Calls > 0 {
				c.ErrorRate = float64(pm.Failures) / float64(pm.Calls)
			}
			if c.ErrorRate > providerErrorRateLimit {
				c.Status = StatusDegraded
			}
			add(c)
		}
	}

	m.lastCheck = now
	m.last = report
	return report
}
