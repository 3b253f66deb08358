// Package policy decides whether a classified failure is retried or escalated.
package policy

import (
	"fmt"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// Default policy constants.
const (
	DefaultConfidenceThreshold = 50
	DefaultMaxRetryAttempts    = 3
	DefaultRetryDelay          = 10 * time.Minute
	DefaultMaxRetryDelay       = time.Hour
	DefaultWindow              = 24 * time.Hour
)

// Config holds the policy constants.
type Config struct {
	ConfidenceThreshold int
	MaxRetryAttempts    int
	DefaultRetryDelay   time.Duration
	// MaxRetryDelay caps the delay a provider may suggest.
	MaxRetryDelay time.Duration
	Window        time.Duration
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxRetryAttempts:    DefaultMaxRetryAttempts,
		DefaultRetryDelay:   DefaultRetryDelay,
		MaxRetryDelay:       DefaultMaxRetryDelay,
		Window:              DefaultWindow,
	}
}

// Evaluator is a pure function of its inputs. It never reads the clock or
// storage; the retry window is anchored at history.AsOf.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator. Zero fields fall back to defaults, except
// MaxRetryAttempts where zero means no automatic retries.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.DefaultRetryDelay {
		cfg.MaxRetryDelay = cfg.DefaultRetryDelay
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Evaluator{cfg: cfg}
}

// Config returns the evaluator's constants.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate applies the rules in order; the first match wins.
func (e *Evaluator) Evaluate(c domain.Classification, pipelineName string, history domain.LedgerHistory) domain.RetryVerdict {
	if c.ConfidenceScore < e.cfg.ConfidenceThreshold {
		return escalate(fmt.Sprintf("low confidence: score %d is below threshold %d", c.ConfidenceScore, e.cfg.ConfidenceThreshold))
	}

	if retries := e.RetriesInWindow(pipelineName, history); retries >= e.cfg.MaxRetryAttempts {
		return escalate(fmt.Sprintf("retry budget exhausted: %d retries for %s in the last %s (max %d)",
			retries, pipelineName, e.cfg.Window, e.cfg.MaxRetryAttempts))
	}

	if c.ErrorType.RequiresHuman() {
		return escalate(fmt.Sprintf("%s error requires manual intervention", c.ErrorType))
	}

	if !c.ShouldRetryHint {
		rationale := c.Reasoning
		if rationale == "" {
			rationale = c.Summary
		}
		return escalate(fmt.Sprintf("provider advised against retry: %s", rationale))
	}

	delay := c.SuggestedRetryDelay
	if delay <= 0 {
		delay = e.cfg.DefaultRetryDelay
	}
	if delay > e.cfg.MaxRetryDelay {
		delay = e.cfg.MaxRetryDelay
	}
	return domain.RetryVerdict{
		Decision:   domain.DecisionRetry,
		Reason:     fmt.Sprintf("%s error with confidence %d, retrying in %s", c.ErrorType, c.ConfidenceScore, delay),
		RetryDelay: delay,
	}
}

// RetriesInWindow counts retry verdicts for the pipeline recorded within the
// window ending at history.AsOf, plus the in-flight ones.
func (e *Evaluator) RetriesInWindow(pipelineName string, history domain.LedgerHistory) int {
	since := history.AsOf.Add(-e.cfg.Window)
	count := history.InFlightRetries
	for _, entry := range history.Entries {
		if entry.PipelineName != pipelineName || entry.Verdict.Decision != domain.DecisionRetry {
			continue
		}
		if entry.RecordedAt.Before(since) || entry.RecordedAt.After(history.AsOf) {
			continue
		}
		count++
	}
	return count
}

func escalate(reason string) domain.RetryVerdict {
	return domain.RetryVerdict{Decision: domain.DecisionEscalate, Reason: reason}
}
