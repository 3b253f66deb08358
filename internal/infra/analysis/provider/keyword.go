package provider

import (
	"context"
	"strings"

	"github.com/vietddude/triage/internal/core/domain"
)

type keywordRule struct {
	keywords []string
	result   domain.Classification
}

// Rules are evaluated in order. Credential errors often mention a
// connection, so configuration must match before transient.
var keywordRules = []keywordRule{
	{
		keywords: []string{"access", "permission", "denied", "unauthorized", "authentication", "credential", "configuration", "not found"},
		result: domain.Classification{
			ErrorType:       domain.ErrorTypeConfiguration,
			ConfidenceScore: 88,
			ShouldRetryHint: false,
			Summary:         "Access or configuration error. Authentication, authorization or resource settings need review.",
			Reasoning:       "Invalid credentials, insufficient permissions or missing resource",
			RecommendedActions: []string{
				"Verify service principal credentials",
				"Check resource access permissions",
				"Review connection string configuration",
				"Update authentication settings",
			},
		},
	},
	{
		keywords: []string{"timeout", "timed out", "connection", "network", "temporar", "unavailable"},
		result: domain.Classification{
			ErrorType:       domain.ErrorTypeTransient,
			ConfidenceScore: 85,
			ShouldRetryHint: true,
			Summary:         "Network/timeout error detected. This is typically a transient issue that resolves on retry.",
			Reasoning:       "Network connectivity or service timeout",
			RecommendedActions: []string{
				"Retry the pipeline",
				"Monitor for pattern of network issues",
				"Check service health status",
			},
		},
	},
	{
		keywords: []string{"schema", "column", "validation", "mismatch", "duplicate", "constraint"},
		result: domain.Classification{
			ErrorType:       domain.ErrorTypeDataQuality,
			ConfidenceScore: 92,
			ShouldRetryHint: false,
			Summary:         "Data quality issue detected. Manual intervention required to fix data source.",
			Reasoning:       "Data schema or content validation failure",
			RecommendedActions: []string{
				"Review source data quality",
				"Check data schema changes",
				"Contact data provider",
				"Update pipeline to handle schema changes",
			},
		},
	},
	{
		keywords: []string{"memory", "quota", "disk", "out of"},
		result: domain.Classification{
			ErrorType:       domain.ErrorTypeResource,
			ConfidenceScore: 75,
			ShouldRetryHint: true,
			Summary:         "Resource exhaustion detected. Capacity may free up before the next attempt.",
			Reasoning:       "Compute, memory or storage limits reached",
			RecommendedActions: []string{
				"Retry the pipeline",
				"Review integration runtime sizing",
				"Check quota usage",
			},
		},
	},
}

var unknownResult = domain.Classification{
	ErrorType:       domain.ErrorTypeUnknown,
	ConfidenceScore: 60,
	ShouldRetryHint: false,
	Summary:         "Unable to classify error definitively.",
	Reasoning:       "Error pattern not recognized",
	RecommendedActions: []string{
		"Review detailed activity logs",
		"Check for similar patterns in history",
		"Escalate to support if issue persists",
	},
}

// KeywordAdapter classifies failures by matching well known phrases. It needs
// no network and is the default provider when none are configured.
type KeywordAdapter struct {
	id string
}

func NewKeywordAdapter(id string) *KeywordAdapter {
	if id == "" {
		id = "keyword"
	}
	return &KeywordAdapter{id: id}
}

func (a *KeywordAdapter) ID() string { return a.id }

func (a *KeywordAdapter) Classify(ctx context.Context, req Request) (domain.Classification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Classification{}, domain.NewProviderError(a.id, err)
	}

	msg := strings.ToLower(req.ErrorMessage)
	result := unknownResult
	for _, rule := range keywordRules {
		if containsAny(msg, rule.keywords) {
			result = rule.result
			break
		}
	}

	result.ProviderID = a.id
	result.RecommendedActions = append([]string(nil), result.RecommendedActions...)
	return result, nil
}

func (a *KeywordAdapter) Close() error { return nil }

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
