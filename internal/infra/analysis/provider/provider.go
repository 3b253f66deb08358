// Package provider implements analysis backends that classify pipeline failures.
//
// This package contains:
//   - Adapter interface: uniform classification call for any backend
//   - HTTPAdapter: OpenAI-compatible chat completions
//   - GRPCAdapter: generic Analyzer/Classify over gRPC
//   - KeywordAdapter: deterministic local classifier
//   - Monitor: per-provider running metrics
package provider

import (
	"context"
	"fmt"

	"github.com/vietddude/triage/internal/core/domain"
)

// Request carries everything a backend needs to classify one failure.
type Request struct {
	PipelineName string
	ErrorMessage string
	RunID        string
	// Context holds extra facts such as recent ledger history. Values must be
	// JSON serializable.
	Context map[string]any
}

// Adapter is a single analysis backend.
// Implementations must honor the context deadline and return an error that
// matches domain.ErrProviderUnavailable instead of substituting data.
type Adapter interface {
	ID() string
	Classify(ctx context.Context, req Request) (domain.Classification, error)
	Close() error
}

// Factory builds an adapter from its configuration.
type Factory func(cfg domain.ProviderConfig) (Adapter, error)

// Registry maps a provider kind to its factory.
type Registry map[domain.ProviderKind]Factory

// DefaultRegistry returns the factories for every built-in kind.
func DefaultRegistry() Registry {
	return Registry{
		domain.ProviderKindHTTP: func(cfg domain.ProviderConfig) (Adapter, error) {
			return NewHTTPAdapter(cfg), nil
		},
		domain.ProviderKindGRPC: func(cfg domain.ProviderConfig) (Adapter, error) {
			return NewGRPCAdapter(cfg)
		},
		domain.ProviderKindKeyword: func(cfg domain.ProviderConfig) (Adapter, error) {
			return NewKeywordAdapter(cfg.ProviderID), nil
		},
	}
}

// Build creates the adapter for cfg.
func (r Registry) Build(cfg domain.ProviderConfig) (Adapter, error) {
	factory, ok := r[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider kind %q", cfg.Kind)
	}
	a, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", cfg.ProviderID, err)
	}
	return a, nil
}
