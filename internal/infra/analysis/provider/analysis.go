package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

const systemPrompt = "You are an expert data platform DevOps engineer analyzing batch pipeline failures."

// analysisPayload is the JSON object every remote backend is asked to return.
type analysisPayload struct {
	ErrorType          *string  `json:"error_type"`
	ShouldRetry        *bool    `json:"should_retry"`
	ConfidenceScore    *float64 `json:"confidence_score"`
	Summary            *string  `json:"analysis_summary"`
	RootCause          string   `json:"root_cause"`
	RecommendedActions []string `json:"recommended_actions"`
	RetryDelayMinutes  float64  `json:"retry_delay_minutes"`
}

var errIncompleteAnalysis = errors.New("analysis is missing required fields")

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Analyze this pipeline failure and provide recommendations.\n\n")
	fmt.Fprintf(&b, "Pipeline: %s\n", req.PipelineName)
	fmt.Fprintf(&b, "Run ID: %s\n", req.RunID)
	fmt.Fprintf(&b, "Error Message: %s\n", req.ErrorMessage)

	if len(req.Context) > 0 {
		if data, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nContext:\n%s\n", data)
		}
	}

	b.WriteString(`
Respond with a JSON object containing:
{
    "error_type": "transient|data_quality|configuration|resource|unknown",
    "should_retry": true|false,
    "retry_delay_minutes": <number>,
    "confidence_score": <0-100>,
    "analysis_summary": "<brief explanation>",
    "root_cause": "<likely root cause>",
    "recommended_actions": ["<action1>", "<action2>"]
}

Consider whether this is a transient network or timeout issue that resolves on retry,
a data quality issue or a configuration/permissions issue requiring manual intervention,
and how many recent retries have been attempted.
`)
	return b.String()
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// parseAnalysis decodes a backend answer. Missing required fields are an error,
// never filled with defaults.
func parseAnalysis(text string) (domain.Classification, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return domain.Classification{}, fmt.Errorf("no JSON object in response")
	}

	var p analysisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Classification{}, fmt.Errorf("decode analysis: %w", err)
	}
	return p.toClassification()
}

func (p analysisPayload) toClassification() (domain.Classification, error) {
	if p.ErrorType == nil || p.ShouldRetry == nil || p.ConfidenceScore == nil || p.Summary == nil {
		return domain.Classification{}, errIncompleteAnalysis
	}

	c := domain.Classification{
		ErrorType:          domain.ParseErrorType(*p.ErrorType),
		ConfidenceScore:    domain.ClampConfidence(int(*p.ConfidenceScore)),
		ShouldRetryHint:    *p.ShouldRetry,
		Summary:            *p.Summary,
		Reasoning:          p.RootCause,
		RecommendedActions: p.RecommendedActions,
	}
	if p.RetryDelayMinutes > 0 {
		c.SuggestedRetryDelay = time.Duration(p.RetryDelayMinutes * float64(time.Minute))
	}
	return c, nil
}
