package policy

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

var asOf = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func retryEntries(pipeline string, ages ...time.Duration) domain.LedgerHistory {
	h := domain.LedgerHistory{AsOf: asOf}
	for i, age := range ages {
		h.Entries = append(h.Entries, &domain.LedgerEntry{
			RunID:        fmt.Sprintf("r%d", i),
			PipelineName: pipeline,
			Verdict:      domain.RetryVerdict{Decision: domain.DecisionRetry},
			RecordedAt:   asOf.Add(-age),
		})
	}
	return h
}

func transient(score int) domain.Classification {
	return domain.Classification{ErrorType: domain.ErrorTypeTransient, ConfidenceScore: score, ShouldRetryHint: true, Summary: "timeout"}
}

func TestEvaluate_LowConfidenceWinsOverEverything(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	v := e.Evaluate(transient(30), "P", retryEntries("P", time.Hour, 2*time.Hour, 3*time.Hour))

	if v.Decision != domain.DecisionEscalate {
		t.Fatalf("expected escalate, got %s", v.Decision)
	}
	if !strings.Contains(v.Reason, "low confidence") {
		t.Errorf("expected low confidence reason, got %q", v.Reason)
	}
}

func TestEvaluate_RetryBudgetExhausted(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	v := e.Evaluate(transient(90), "P", retryEntries("P", time.Hour, 5*time.Hour, 23*time.Hour))

	if v.Decision != domain.DecisionEscalate || !strings.Contains(v.Reason, "retry budget exhausted") {
		t.Fatalf("expected budget escalation, got %+v", v)
	}
}

func TestEvaluate_BudgetIgnoresOldAndOtherPipelines(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	h := retryEntries("P", time.Hour, 25*time.Hour, 48*time.Hour)
	h.Entries = append(h.Entries, retryEntries("Q", time.Hour, time.Hour, time.Hour).Entries...)
	h.Entries = append(h.Entries, &domain.LedgerEntry{
		PipelineName: "P",
		Verdict:      domain.RetryVerdict{Decision: domain.DecisionEscalate},
		RecordedAt:   asOf.Add(-time.Minute),
	})

	if got := e.RetriesInWindow("P", h); got != 1 {
		t.Fatalf("expected 1 retry in window, got %d", got)
	}
	if v := e.Evaluate(transient(90), "P", h); v.Decision != domain.DecisionRetry {
		t.Errorf("expected retry, got %+v", v)
	}
}

func TestEvaluate_HumanRequiredTypes(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	for _, typ := range []domain.ErrorType{domain.ErrorTypeDataQuality, domain.ErrorTypeConfiguration} {
		c := domain.Classification{ErrorType: typ, ConfidenceScore: 92, ShouldRetryHint: true}
		v := e.Evaluate(c, "P", domain.LedgerHistory{AsOf: asOf})
		if v.Decision != domain.DecisionEscalate || !strings.Contains(v.Reason, string(typ)) {
			t.Errorf("%s: expected escalation naming the type, got %+v", typ, v)
		}
	}
}

func TestEvaluate_HintFalseEchoesRationale(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	c := domain.Classification{ErrorType: domain.ErrorTypeUnknown, ConfidenceScore: 70, ShouldRetryHint: false, Reasoning: "pattern not recognized"}

	v := e.Evaluate(c, "P", domain.LedgerHistory{AsOf: asOf})
	if v.Decision != domain.DecisionEscalate || !strings.Contains(v.Reason, "pattern not recognized") {
		t.Errorf("expected escalation echoing rationale, got %+v", v)
	}
}

func TestEvaluate_RetryDelay(t *testing.T) {
	e := NewEvaluator(DefaultConfig())

	v := e.Evaluate(transient(85), "P", domain.LedgerHistory{AsOf: asOf})
	if v.Decision != domain.DecisionRetry || v.RetryDelay != DefaultRetryDelay {
		t.Errorf("expected retry with default delay, got %+v", v)
	}
	if !strings.Contains(v.Reason, "transient") || !strings.Contains(v.Reason, "85") {
		t.Errorf("reason should document type and confidence, got %q", v.Reason)
	}

	c := transient(85)
	c.SuggestedRetryDelay = 2 * time.Minute
	if v := e.Evaluate(c, "P", domain.LedgerHistory{AsOf: asOf}); v.RetryDelay != 2*time.Minute {
		t.Errorf("expected suggested delay, got %v", v.RetryDelay)
	}
}

func TestEvaluate_DegradedAlwaysEscalates(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	v := e.Evaluate(domain.DegradedClassification("none", nil), "P", domain.LedgerHistory{AsOf: asOf})
	if v.Decision != domain.DecisionEscalate {
		t.Errorf("expected escalation for degraded classification, got %+v", v)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	h := retryEntries("P", time.Hour, 2*time.Hour)
	c := transient(75)

	first := e.Evaluate(c, "P", h)
	for i := 0; i < 10; i++ {
		if got := e.Evaluate(c, "P", h); !reflect.DeepEqual(got, first) {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestEvaluate_ZeroMaxRetriesNeverRetries(t *testing.T) {
	e := NewEvaluator(Config{MaxRetryAttempts: 0})
	if v := e.Evaluate(transient(99), "P", domain.LedgerHistory{AsOf: asOf}); v.Decision != domain.DecisionEscalate {
		t.Errorf("expected escalation with zero budget, got %+v", v)
	}
}

func TestEvaluate_ConfigurableThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 90
	e := NewEvaluator(cfg)
	if v := e.Evaluate(transient(85), "P", domain.LedgerHistory{AsOf: asOf}); v.Decision != domain.DecisionEscalate {
		t.Errorf("expected escalation below custom threshold, got %+v", v)
	}
}

func TestEvaluate_InFlightRetriesCountAgainstBudget(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	h := retryEntries("P", time.Hour)
	h.InFlightRetries = 2

	if v := e.Evaluate(transient(85), "P", h); v.Decision != domain.DecisionEscalate {
		t.Errorf("expected escalation with 1 recorded and 2 in-flight retries, got %+v", v)
	}
	h.InFlightRetries = 1
	if v := e.Evaluate(transient(85), "P", h); v.Decision != domain.DecisionRetry {
		t.Errorf("expected retry with budget left, got %+v", v)
	}
}

func TestEvaluate_SuggestedDelayIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetryDelay = 30 * time.Minute
	e := NewEvaluator(cfg)

	c := transient(85)
	c.SuggestedRetryDelay = 3 * time.Hour
	if v := e.Evaluate(c, "P", domain.LedgerHistory{AsOf: asOf}); v.RetryDelay != 30*time.Minute {
		t.Errorf("expected delay capped at 30m, got %v", v.RetryDelay)
	}
}
