package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

type providerStats struct {
	calls        int64
	successes    int64
	failures     int64
	totalLatency time.Duration
	cost         float64
	lastError    string
	lastErrorAt  time.Time
}

// Monitor tracks running metrics per provider. Counters only grow until an
// operator calls Reset.
type Monitor struct {
	mu    sync.RWMutex
	stats map[string]*providerStats
	now   func() time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		stats: make(map[string]*providerStats),
		now:   time.Now,
	}
}

// RecordSuccess records a successful call with its latency and cost.
func (m *Monitor) RecordSuccess(providerID string, latency time.Duration, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entry(providerID)
	s.calls++
	s.successes++
	s.totalLatency += latency
	s.cost += cost
}

// RecordFailure records a failed call.
func (m *Monitor) RecordFailure(providerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entry(providerID)
	s.calls++
	s.failures++
	if err != nil {
		s.lastError = err.Error()
	}
	s.lastErrorAt = m.now()
}

// Snapshot returns the metrics of every known provider, sorted by id.
func (m *Monitor) Snapshot() []domain.ProviderMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ProviderMetrics, 0, len(m.stats))
	for id, s := range m.stats {
		out = append(out, s.metrics(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Get returns the metrics of one provider.
func (m *Monitor) Get(providerID string) domain.ProviderMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[providerID]
	if !ok {
		return domain.ProviderMetrics{ProviderID: providerID}
	}
	return s.metrics(providerID)
}

// Reset clears every counter.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*providerStats)
}

func (m *Monitor) entry(providerID string) *providerStats {
	s, ok := m.stats[providerID]
	if !ok {
		s = &providerStats{}
		m.stats[providerID] = s
	}
	return s
}

func (s *providerStats) metrics(id string) domain.ProviderMetrics {
	pm := domain.ProviderMetrics{
		ProviderID:      id,
		Calls:           s.calls,
		Successes:       s.successes,
		Failures:        s.failures,
		AccumulatedCost: s.cost,
		LastError:       s.lastError,
		LastErrorAt:     s.lastErrorAt,
	}
	if s.successes > 0 {
		pm.MeanLatency = s.totalLatency / time.Duration(s.successes)
	}
	return pm
}
