package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/analysis/budget"
	"github.com/vietddude/triage/internal/infra/analysis/provider"
)

const fakeKind domain.ProviderKind = "fake"

type fakeAdapter struct {
	id     string
	result domain.Classification
	err    error
	delay  time.Duration
	block  bool
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Classify(ctx context.Context, req provider.Request) (domain.Classification, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return domain.Classification{}, domain.NewProviderError(f.id, ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Classification{}, domain.NewProviderError(f.id, ctx.Err())
		}
	}
	if f.err != nil {
		return domain.Classification{}, f.err
	}
	return f.result, nil
}

func (f *fakeAdapter) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestManager(t *testing.T, mode Mode, adapters map[string]*fakeAdapter, cfgs []domain.ProviderConfig) *Manager {
	t.Helper()
	reg := provider.Registry{
		fakeKind: func(cfg domain.ProviderConfig) (provider.Adapter, error) {
			a, ok := adapters[cfg.ProviderID]
			if !ok {
				return nil, errors.New("no fake for " + cfg.ProviderID)
			}
			return a, nil
		},
	}
	m := NewManager(reg, provider.NewMonitor(), budget.NewCostBudget(nil))
	if err := m.Reconfigure(mode, cfgs); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	return m
}

func cfg(id string, priority int, timeout time.Duration) domain.ProviderConfig {
	return domain.ProviderConfig{ProviderID: id, Kind: fakeKind, Priority: priority, Active: true, Timeout: timeout}
}

func classification(t domain.ErrorType, score int, retry bool, actions ...string) domain.Classification {
	return domain.Classification{ErrorType: t, ConfidenceScore: score, ShouldRetryHint: retry, Summary: string(t), RecommendedActions: actions}
}

func TestManager_FallbackAfterPrimaryTimeout(t *testing.T) {
	primary := &fakeAdapter{id: "primary", block: true}
	secondary := &fakeAdapter{id: "secondary", result: classification(domain.ErrorTypeTransient, 85, true, "Retry")}

	m := newTestManager(t, ModeFallback, map[string]*fakeAdapter{"primary": primary, "secondary": secondary},
		[]domain.ProviderConfig{cfg("secondary", 2, time.Second), cfg("primary", 1, 30*time.Millisecond)})

	c, err := m.Classify(context.Background(), provider.Request{RunID: "r1", PipelineName: "P", ErrorMessage: "x"})
	if err != nil {
		t.Fatalf("expected success from secondary, got %v", err)
	}
	if c.ProviderID != "secondary" || c.ErrorType != domain.ErrorTypeTransient || c.Degraded {
		t.Errorf("expected secondary's classification, got %+v", c)
	}

	pm := m.monitor.Get("primary")
	if pm.Failures != 1 || pm.Successes != 0 {
		t.Errorf("primary failure should be recorded in metrics, got %+v", pm)
	}
	sm := m.monitor.Get("secondary")
	if sm.Successes != 1 {
		t.Errorf("secondary success should be recorded, got %+v", sm)
	}
}

func TestManager_FallbackStopsAtFirstSuccess(t *testing.T) {
	a := &fakeAdapter{id: "a", result: classification(domain.ErrorTypeResource, 70, true)}
	b := &fakeAdapter{id: "b", result: classification(domain.ErrorTypeUnknown, 10, false)}

	m := newTestManager(t, ModeFallback, map[string]*fakeAdapter{"a": a, "b": b},
		[]domain.ProviderConfig{cfg("a", 1, time.Second), cfg("b", 2, time.Second)})

	c, _ := m.Classify(context.Background(), provider.Request{RunID: "r"})
	if c.ProviderID != "a" {
		t.Errorf("expected a, got %s", c.ProviderID)
	}
	if b.calls.Load() != 0 {
		t.Error("lower priority provider should not be called after a success")
	}
}

func TestManager_AllProvidersFailedIsDegraded(t *testing.T) {
	a := &fakeAdapter{id: "a", err: errors.New("boom")}
	b := &fakeAdapter{id: "b", err: domain.NewProviderError("b", errors.New("refused"))}

	for _, mode := range []Mode{ModeFallback, ModeEnsemble} {
		t.Run(string(mode), func(t *testing.T) {
			m := newTestManager(t, mode, map[string]*fakeAdapter{"a": a, "b": b},
				[]domain.ProviderConfig{cfg("a", 1, time.Second), cfg("b", 2, time.Second)})

			c, err := m.Classify(context.Background(), provider.Request{RunID: "r"})
			if !errors.Is(err, domain.ErrAllProvidersFailed) {
				t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
			}
			if !errors.Is(err, domain.ErrProviderUnavailable) {
				t.Errorf("expected provider failures in the cause, got %v", err)
			}
			if !c.Degraded || c.ErrorType != domain.ErrorTypeUnknown || c.ConfidenceScore != 0 {
				t.Errorf("expected degraded unknown/0, got %+v", c)
			}
		})
	}
}

func TestManager_NoActiveProviders(t *testing.T) {
	inactive := cfg("a", 1, time.Second)
	inactive.Active = false
	m := newTestManager(t, ModeFallback, map[string]*fakeAdapter{"a": {id: "a"}}, []domain.ProviderConfig{inactive})

	c, err := m.Classify(context.Background(), provider.Request{RunID: "r"})
	if !errors.Is(err, domain.ErrAllProvidersFailed) || !c.Degraded {
		t.Fatalf("expected degraded result, got %+v, %v", c, err)
	}
}

func TestManager_EnsembleVote(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"a": {id: "a", result: classification(domain.ErrorTypeTransient, 80, true, "Retry", "Check network")},
		"b": {id: "b", result: classification(domain.ErrorTypeDataQuality, 90, false, "Review data", "Retry")},
		"c": {id: "c", result: classification(domain.ErrorTypeTransient, 70, true, "Check network")},
	}
	m := newTestManager(t, ModeEnsemble, adapters,
		[]domain.ProviderConfig{cfg("a", 1, time.Second), cfg("b", 2, time.Second), cfg("c", 3, time.Second)})

	c, err := m.Classify(context.Background(), provider.Request{RunID: "r"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.ErrorType != domain.ErrorTypeTransient {
		t.Errorf("expected transient by majority, got %s", c.ErrorType)
	}
	if c.ConfidenceScore != 80 {
		t.Errorf("expected mean confidence 80, got %d", c.ConfidenceScore)
	}
	if !c.ShouldRetryHint {
		t.Error("expected retry hint with 2 of 3 votes")
	}
	if c.ProviderID != "a+c" {
		t.Errorf("expected agreeing providers a+c, got %s", c.ProviderID)
	}
	want := []string{"Retry", "Check network", "Review data"}
	if len(c.RecommendedActions) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, c.RecommendedActions)
	}
	for i := range want {
		if c.RecommendedActions[i] != want[i] {
			t.Errorf("action %d: expected %q, got %q", i, want[i], c.RecommendedActions[i])
		}
	}
}

func TestManager_EnsembleSlowProviderDoesNotBlock(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"fast": {id: "fast", result: classification(domain.ErrorTypeTransient, 90, true)},
		"slow": {id: "slow", block: true},
	}
	m := newTestManager(t, ModeEnsemble, adapters,
		[]domain.ProviderConfig{cfg("fast", 1, time.Second), cfg("slow", 2, 50*time.Millisecond)})

	start := time.Now()
	c, err := m.Classify(context.Background(), provider.Request{RunID: "r"})
	if err != nil {
		t.Fatalf("partial results should be accepted, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("slow provider held the ensemble past its timeout")
	}
	if c.ErrorType != domain.ErrorTypeTransient || c.ConfidenceScore != 90 {
		t.Errorf("expected fast provider's answer, got %+v", c)
	}
	if m.monitor.Get("slow").Failures != 1 {
		t.Error("slow provider timeout should be recorded")
	}
}

func TestManager_BudgetExhaustedProviderSkipped(t *testing.T) {
	a := &fakeAdapter{id: "a", result: classification(domain.ErrorTypeTransient, 90, true)}
	a.result.CostEstimate = 5
	b := &fakeAdapter{id: "b", result: classification(domain.ErrorTypeResource, 70, true)}

	limited := cfg("a", 1, time.Second)
	limited.DailyCostLimit = 1
	m := newTestManager(t, ModeFallback, map[string]*fakeAdapter{"a": a, "b": b},
		[]domain.ProviderConfig{limited, cfg("b", 2, time.Second)})

	first, _ := m.Classify(context.Background(), provider.Request{RunID: "r1"})
	second, _ := m.Classify(context.Background(), provider.Request{RunID: "r2"})

	if first.ProviderID != "a" || second.ProviderID != "b" {
		t.Errorf("expected a then b, got %s then %s", first.ProviderID, second.ProviderID)
	}
	if a.calls.Load() != 1 {
		t.Errorf("exhausted provider should not be called, got %d calls", a.calls.Load())
	}
}

func TestManager_ReconfigureKeepsUnchangedAndClosesRemoved(t *testing.T) {
	a := &fakeAdapter{id: "a"}
	b := &fakeAdapter{id: "b"}
	adapters := map[string]*fakeAdapter{"a": a, "b": b}
	m := newTestManager(t, ModeFallback, adapters, []domain.ProviderConfig{cfg("a", 1, time.Second), cfg("b", 2, time.Second)})

	if err := m.Reconfigure(ModeEnsemble, []domain.ProviderConfig{cfg("a", 1, time.Second)}); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if a.closed.Load() {
		t.Error("unchanged provider should stay open")
	}
	if !b.closed.Load() {
		t.Error("removed provider should be closed")
	}
	if m.Mode() != ModeEnsemble || len(m.Providers()) != 1 {
		t.Errorf("unexpected state: mode=%s providers=%v", m.Mode(), m.Providers())
	}

	if err := m.Reconfigure(ModeFallback, []domain.ProviderConfig{cfg("missing", 1, time.Second)}); err == nil {
		t.Fatal("expected build error")
	}
	if len(m.Providers()) != 1 || m.Providers()[0].ProviderID != "a" {
		t.Error("failed reconfigure should leave providers unchanged")
	}
}

func TestManager_ResetMetrics(t *testing.T) {
	a := &fakeAdapter{id: "a", result: classification(domain.ErrorTypeTransient, 90, true)}
	m := newTestManager(t, ModeFallback, map[string]*fakeAdapter{"a": a}, []domain.ProviderConfig{cfg("a", 1, time.Second)})

	_, _ = m.Classify(context.Background(), provider.Request{RunID: "r"})
	if len(m.Metrics()) != 1 {
		t.Fatal("expected metrics for a")
	}
	m.ResetMetrics()
	if len(m.Metrics()) != 0 {
		t.Error("expected metrics cleared")
	}
}
