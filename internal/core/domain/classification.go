package domain

import (
	"fmt"
	"strings"
	"time"
)

// ErrorType is the failure class assigned by an analysis provider.
type ErrorType string

const (
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeDataQuality   ErrorType = "data_quality"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// ParseErrorType normalizes a provider supplied type name.
// Anything unrecognized maps to ErrorTypeUnknown.
func ParseErrorType(s string) ErrorType {
	switch ErrorType(strings.ToLower(strings.TrimSpace(s))) {
	case ErrorTypeTransient:
		return ErrorTypeTransient
	case ErrorTypeDataQuality:
		return ErrorTypeDataQuality
	case ErrorTypeConfiguration:
		return ErrorTypeConfiguration
	case ErrorTypeResource:
		return ErrorTypeResource
	default:
		return ErrorTypeUnknown
	}
}

// RequiresHuman reports whether failures of this class are never retried automatically.
func (t ErrorType) RequiresHuman() bool {
	return t == ErrorTypeDataQuality || t == ErrorTypeConfiguration
}

// Classification is a provider's structured opinion about why a failure occurred.
type Classification struct {
	ErrorType          ErrorType     `json:"error_type"`
	ConfidenceScore    int           `json:"confidence_score"`
	ShouldRetryHint    bool          `json:"should_retry_hint"`
	Summary            string        `json:"summary"`
	Reasoning          string        `json:"reasoning,omitempty"`
	RecommendedActions []string      `json:"recommended_actions"`
	ProviderID         string        `json:"provider_id"`
	CostEstimate       float64       `json:"cost_estimate"`
	TokenUsage         int           `json:"token_usage,omitempty"`
	Latency            time.Duration `json:"latency"`
	// WallLatency is the elapsed time of the slowest call when providers ran in parallel.
	WallLatency         time.Duration `json:"wall_latency,omitempty"`
	SuggestedRetryDelay time.Duration `json:"suggested_retry_delay,omitempty"`
	// Degraded marks a synthetic classification produced after every provider failed.
	Degraded bool `json:"degraded"`
}

// ClampConfidence bounds a score to 0..100.
func ClampConfidence(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DegradedClassification builds the low-confidence result used when no provider answered.
func DegradedClassification(providerID string, cause error) Classification {
	reason := "no analysis providers configured"
	if cause != nil {
		reason = fmt.Sprintf("analysis unavailable: %v", cause)
	}
	return Classification{
		ErrorType:          ErrorTypeUnknown,
		ConfidenceScore:    0,
		ShouldRetryHint:    false,
		Summary:            "All analysis providers failed",
		Reasoning:          reason,
		RecommendedActions: []string{"Manual review required"},
		ProviderID:         providerID,
		Degraded:           true,
	}
}
