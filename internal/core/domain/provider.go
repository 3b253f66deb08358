package domain

import "time"

// ProviderKind selects the adapter implementation for a provider.
type ProviderKind string

const (
	ProviderKindHTTP    ProviderKind = "http"
	ProviderKindGRPC    ProviderKind = "grpc"
	ProviderKindKeyword ProviderKind = "keyword"
)

// ProviderConfig is the static description of an analysis backend.
type ProviderConfig struct {
	ProviderID string        `yaml:"id"       json:"provider_id"`
	Kind       ProviderKind  `yaml:"kind"     json:"kind"`
	Priority   int           `yaml:"priority" json:"priority"` // lower is tried first
	Active     bool          `yaml:"active"   json:"active"`
	Timeout    time.Duration `yaml:"timeout"  json:"timeout"`
	// CostPerUnit is the price of 1000 tokens.
	CostPerUnit    float64 `yaml:"cost_per_unit"    json:"cost_per_unit"`
	DailyCostLimit float64 `yaml:"daily_cost_limit" json:"daily_cost_limit"` // 0 = unlimited
	Endpoint       string  `yaml:"endpoint"         json:"endpoint,omitempty"`
	Model          string  `yaml:"model"            json:"model,omitempty"`
	APIKeyEnv      string  `yaml:"api_key_env"      json:"-"`
}

// ProviderMetrics is the operational view of a provider's running counters.
type ProviderMetrics struct {
	ProviderID      string        `json:"provider_id"`
	Calls           int64         `json:"calls"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	MeanLatency     time.Duration `json:"mean_latency"`
	AccumulatedCost float64       `json:"accumulated_cost"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
}
