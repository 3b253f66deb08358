// Package routing selects analysis providers and arbitrates their answers.
//
// This package contains:
//   - Manager: fallback and ensemble execution with per-call timeouts
//   - Combine: ensemble arbitration of several classifications
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/analysis/budget"
	"github.com/vietddude/triage/internal/infra/analysis/provider"
	"github.com/vietddude/triage/internal/triage/metrics"
)

// Mode selects how providers are consulted.
type Mode string

const (
	ModeFallback Mode = "fallback"
	ModeEnsemble Mode = "ensemble"
)

const (
	degradedProviderID = "none"
	defaultCallTimeout = 30 * time.Second
)

var errBudgetExhausted = errors.New("daily cost budget exhausted")

type registered struct {
	cfg     domain.ProviderConfig
	adapter provider.Adapter
}

// Manager owns the configured adapters and runs classifications against them.
// Reconfigure is the only way its provider set changes.
type Manager struct {
	mu        sync.RWMutex
	mode      Mode
	providers []registered

	registry provider.Registry
	monitor  *provider.Monitor
	budget   *budget.CostBudget
	log      *slog.Logger
}

// NewManager creates a manager with no providers. Call Reconfigure to load them.
func NewManager(registry provider.Registry, monitor *provider.Monitor, costs *budget.CostBudget) *Manager {
	if monitor == nil {
		monitor = provider.NewMonitor()
	}
	if costs == nil {
		costs = budget.NewCostBudget(nil)
	}
	return &Manager{
		mode:     ModeFallback,
		registry: registry,
		monitor:  monitor,
		budget:   costs,
		log:      slog.Default().With("component", "provider-manager"),
	}
}

// Reconfigure replaces the mode and provider set. Adapters whose configuration
// did not change are kept; removed ones are closed. On error nothing changes.
func (m *Manager) Reconfigure(mode Mode, cfgs []domain.ProviderConfig) error {
	if mode != ModeFallback && mode != ModeEnsemble {
		return fmt.Errorf("unknown provider mode %q", mode)
	}

	m.mu.RLock()
	current := make(map[string]registered, len(m.providers))
	for _, p := range m.providers {
		current[p.cfg.ProviderID] = p
	}
	m.mu.RUnlock()

	next := make([]registered, 0, len(cfgs))
	var built []provider.Adapter
	for _, cfg := range cfgs {
		if old, ok := current[cfg.ProviderID]; ok && old.cfg == cfg {
			next = append(next, old)
			continue
		}
		a, err := m.registry.Build(cfg)
		if err != nil {
			for _, b := range built {
				_ = b.Close()
			}
			return err
		}
		built = append(built, a)
		next = append(next, registered{cfg: cfg, adapter: a})
	}
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].cfg.Priority != next[j].cfg.Priority {
			return next[i].cfg.Priority < next[j].cfg.Priority
		}
		return next[i].cfg.ProviderID < next[j].cfg.ProviderID
	})

	m.mu.Lock()
	old := m.providers
	m.mode = mode
	m.providers = next
	m.mu.Unlock()

	kept := make(map[provider.Adapter]bool, len(next))
	for _, p := range next {
		kept[p.adapter] = true
		m.budget.SetLimit(p.cfg.ProviderID, p.cfg.DailyCostLimit)
	}
	for _, p := range old {
		if !kept[p.adapter] {
			if err := p.adapter.Close(); err != nil {
				m.log.Warn("Failed to close provider", "provider", p.cfg.ProviderID, "error", err)
			}
		}
	}

	m.log.Info("Providers configured", "mode", mode, "count", len(next))
	return nil
}

// Classify consults providers according to the mode. It always returns a
// usable classification; when every provider failed the result is degraded
// and the error matches domain.ErrAllProvidersFailed.
func (m *Manager) Classify(ctx context.Context, req provider.Request) (domain.Classification, error) {
	m.mu.RLock()
	mode := m.mode
	active := make([]registered, 0, len(m.providers))
	for _, p := range m.providers {
		if p.cfg.Active {
			active = append(active, p)
		}
	}
	m.mu.RUnlock()

	var (
		c    domain.Classification
		errs []error
	)
	if mode == ModeEnsemble {
		c, errs = m.ensemble(ctx, active, req)
	} else {
		c, errs = m.fallback(ctx, active, req)
	}
	if errs == nil {
		return c, nil
	}

	cause := errors.Join(errs...)
	if len(errs) == 0 {
		cause = errors.New("no active providers")
	}
	metrics.DegradedClassifications.Inc()
	m.log.Warn("All providers failed, classification degraded", "run_id", req.RunID, "error", cause)
	return domain.DegradedClassification(degradedProviderID, cause),
		fmt.Errorf("%w: %w", domain.ErrAllProvidersFailed, cause)
}

// fallback tries providers in priority order until one succeeds. A nil error
// slice means success.
func (m *Manager) fallback(ctx context.Context, active []registered, req provider.Request) (domain.Classification, []error) {
	errs := []error{}
	for _, p := range active {
		c, err := m.call(ctx, p, req)
		if err == nil {
			return c, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return domain.Classification{}, errs
}

// ensemble calls every active provider in parallel and combines the successes.
func (m *Manager) ensemble(ctx context.Context, active []registered, req provider.Request) (domain.Classification, []error) {
	results := make([]domain.Classification, len(active))
	callErrs := make([]error, len(active))

	var g errgroup.Group
	for i, p := range active {
		g.Go(func() error {
			results[i], callErrs[i] = m.call(ctx, p, req)
			return nil
		})
	}
	_ = g.Wait()

	var ok []domain.Classification
	errs := []error{}
	for i := range active {
		if callErrs[i] != nil {
			errs = append(errs, callErrs[i])
			continue
		}
		ok = append(ok, results[i])
	}
	if len(ok) == 0 {
		return domain.Classification{}, errs
	}
	if len(errs) > 0 {
		m.log.Debug("Ensemble proceeding with partial results", "succeeded", len(ok), "failed", len(errs))
	}
	return Combine(ok), nil
}

// call runs one adapter under its own timeout and records metrics.
func (m *Manager) call(ctx context.Context, p registered, req provider.Request) (domain.Classification, error) {
	id := p.cfg.ProviderID
	if !m.budget.CanUse(id) {
		err := domain.NewProviderError(id, errBudgetExhausted)
		metrics.ProviderCalls.WithLabelValues(id, "skipped").Inc()
		return domain.Classification{}, err
	}

	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c, err := p.adapter.Classify(callCtx, req)
	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(id).Observe(latency.Seconds())

	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			err = domain.NewProviderError(id, err)
		}
		m.monitor.RecordFailure(id, err)
		metrics.ProviderCalls.WithLabelValues(id, "failure").Inc()
		m.log.Warn("Provider call failed", "provider", id, "latency", latency, "error", err)
		return domain.Classification{}, err
	}

	c.ProviderID = id
	c.Latency = latency
	c.WallLatency = latency
	m.monitor.RecordSuccess(id, latency, c.CostEstimate)
	m.budget.RecordSpend(id, c.CostEstimate)
	metrics.ProviderCalls.WithLabelValues(id, "success").Inc()
	metrics.ProviderCost.WithLabelValues(id).Add(c.CostEstimate)
	return c, nil
}

// Metrics returns a snapshot of per-provider running metrics.
func (m *Manager) Metrics() []domain.ProviderMetrics {
	return m.monitor.Snapshot()
}

// ResetMetrics clears per-provider metrics. Operator action only.
func (m *Manager) ResetMetrics() {
	m.monitor.Reset()
	m.log.Info("Provider metrics reset")
}

// Budget returns spend statistics for a provider.
func (m *Manager) Budget(providerID string) budget.UsageStats {
	return m.budget.GetUsage(providerID)
}

// Providers returns the configured providers in priority order.
func (m *Manager) Providers() []domain.ProviderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ProviderConfig, len(m.providers))
	for i, p := range m.providers {
		out[i] = p.cfg
	}
	return out
}

// Mode returns the current consultation mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Close closes every adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	providers := m.providers
	m.providers = nil
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.adapter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
