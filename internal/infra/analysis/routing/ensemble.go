package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// Combine merges successful classifications into one. Results should be in
// provider priority order; that order decides the order of recommended actions.
//
//   - error type: majority vote, ties go to the lexicographically smallest name
//   - confidence: arithmetic mean, truncated
//   - retry hint: true only when strictly more than half voted true
//   - actions: union in first-appearance order
//   - cost, tokens, latency: summed; WallLatency is the slowest call
func Combine(results []domain.Classification) domain.Classification {
	if len(results) == 0 {
		return domain.DegradedClassification(degradedProviderID, nil)
	}

	votes := make(map[domain.ErrorType]int)
	var (
		confidenceSum int
		retryVotes    int
		out           domain.Classification
		seen          = make(map[string]bool)
	)
	for _, r := range results {
		votes[r.ErrorType]++
		confidenceSum += r.ConfidenceScore
		if r.ShouldRetryHint {
			retryVotes++
		}
		for _, a := range r.RecommendedActions {
			if !seen[a] {
				seen[a] = true
				out.RecommendedActions = append(out.RecommendedActions, a)
			}
		}
		out.CostEstimate += r.CostEstimate
		out.TokenUsage += r.TokenUsage
		out.Latency += r.Latency
		if r.Latency > out.WallLatency {
			out.WallLatency = r.Latency
		}
	}

	out.ErrorType = majority(votes)
	out.ConfidenceScore = confidenceSum / len(results)
	out.ShouldRetryHint = retryVotes*2 > len(results)

	// Provider id, summary and suggested delay come from the providers that
	// agree with the vote.
	var reasons, ids []string
	var delay time.Duration
	for _, r := range results {
		reasons = append(reasons, fmt.Sprintf("%s=%s/%d", r.ProviderID, r.ErrorType, r.ConfidenceScore))
		if r.ErrorType != out.ErrorType {
			continue
		}
		ids = append(ids, r.ProviderID)
		if out.Summary == "" {
			out.Summary = r.Summary
		}
		if r.SuggestedRetryDelay > delay {
			delay = r.SuggestedRetryDelay
		}
	}
	out.ProviderID = strings.Join(ids, "+")
	out.SuggestedRetryDelay = delay
	out.Reasoning = fmt.Sprintf("ensemble of %d providers: %s", len(results), strings.Join(reasons, ", "))
	return out
}

func majority(votes map[domain.ErrorType]int) domain.ErrorType {
	types := make([]domain.ErrorType, 0, len(votes))
	for t := range votes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	best := types[0]
	for _, t := range types[1:] {
		if votes[t] > votes[best] {
			best = t
		}
	}
	return best
}
