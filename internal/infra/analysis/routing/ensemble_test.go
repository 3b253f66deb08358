package routing

import (
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

func TestCombine_TieBreaksLexicographically(t *testing.T) {
	c := Combine([]domain.Classification{
		{ProviderID: "a", ErrorType: domain.ErrorTypeTransient, ConfidenceScore: 50, ShouldRetryHint: true},
		{ProviderID: "b", ErrorType: domain.ErrorTypeConfiguration, ConfidenceScore: 51, ShouldRetryHint: false},
	})
	if c.ErrorType != domain.ErrorTypeConfiguration {
		t.Errorf("expected configuration on tie, got %s", c.ErrorType)
	}
	if c.ConfidenceScore != 50 {
		t.Errorf("expected truncated mean 50, got %d", c.ConfidenceScore)
	}
	if c.ShouldRetryHint {
		t.Error("half the votes is not a strict majority")
	}
	if c.ProviderID != "b" {
		t.Errorf("expected the winning provider only, got %s", c.ProviderID)
	}
}

func TestCombine_SumsCostAndLatency(t *testing.T) {
	c := Combine([]domain.Classification{
		{ProviderID: "a", ErrorType: domain.ErrorTypeTransient, CostEstimate: 0.5, TokenUsage: 100, Latency: 100 * time.Millisecond, SuggestedRetryDelay: time.Minute},
		{ProviderID: "b", ErrorType: domain.ErrorTypeTransient, CostEstimate: 0.25, TokenUsage: 50, Latency: 300 * time.Millisecond, SuggestedRetryDelay: 5 * time.Minute},
		{ProviderID: "c", ErrorType: domain.ErrorTypeResource, Latency: 200 * time.Millisecond, SuggestedRetryDelay: time.Hour},
	})
	if c.CostEstimate != 0.75 || c.TokenUsage != 150 {
		t.Errorf("unexpected cost/tokens: %f/%d", c.CostEstimate, c.TokenUsage)
	}
	if c.Latency != 600*time.Millisecond {
		t.Errorf("expected summed latency 600ms, got %v", c.Latency)
	}
	if c.WallLatency != 300*time.Millisecond {
		t.Errorf("expected wall latency 300ms, got %v", c.WallLatency)
	}
	if c.SuggestedRetryDelay != 5*time.Minute {
		t.Errorf("expected delay from majority providers only, got %v", c.SuggestedRetryDelay)
	}
	if c.ProviderID != "a+b" {
		t.Errorf("expected only the agreeing providers, got %s", c.ProviderID)
	}
}

func TestCombine_Empty(t *testing.T) {
	c := Combine(nil)
	if !c.Degraded {
		t.Error("combining nothing should yield a degraded classification")
	}
}
