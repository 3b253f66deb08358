package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/triage/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	t := &cfg.Triage
	if t.Mode == "" {
		t.Mode = ModeFallback
	}
	if t.Concurrency <= 0 {
		t.Concurrency = 4
	}
	if t.PollInterval == 0 {
		t.PollInterval = 5 * time.Minute
	}
	if t.Lookback == 0 {
		t.Lookback = 2 * time.Hour
	}
	if t.MaxRetryAttempts == 0 {
		t.MaxRetryAttempts = 3
	}
	if t.RetryDelay == 0 {
		t.RetryDelay = 10 * time.Minute
	}
	if t.MaxRetryDelay == 0 {
		t.MaxRetryDelay = time.Hour
	}
	if t.ConfidenceThreshold == 0 {
		t.ConfidenceThreshold = 50
	}
	if t.RetryWindow == 0 {
		t.RetryWindow = 24 * time.Hour
	}

	if len(cfg.Providers) == 0 {
		// Local keyword classifier keeps the engine usable without any AI backend.
		cfg.Providers = []domain.ProviderConfig{{
			ProviderID: "keyword",
			Kind:       domain.ProviderKindKeyword,
			Priority:   100,
			Active:     true,
		}}
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 30 * time.Second
		}
		if cfg.Providers[i].Kind == "" {
			cfg.Providers[i].Kind = domain.ProviderKindHTTP
		}
	}

	if cfg.Platform.Kind == "" {
		cfg.Platform.Kind = PlatformStatic
	}
	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = 30 * time.Second
	}
	if cfg.Platform.BaseURL == "" {
		cfg.Platform.BaseURL = "https://management.azure.com"
	}

	if cfg.Notifications.Email.Port == 0 {
		cfg.Notifications.Email.Port = 587
	}
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *AppConfig) error {
	switch cfg.Triage.Mode {
	case ModeFallback, ModeEnsemble:
	default:
		return fmt.Errorf("invalid triage mode %q", cfg.Triage.Mode)
	}
	if cfg.Triage.ConfidenceThreshold < 0 || cfg.Triage.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold must be within 0..100, got %d", cfg.Triage.ConfidenceThreshold)
	}
	if cfg.Triage.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.ProviderID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ProviderID] {
			return fmt.Errorf("duplicate provider id %q", p.ProviderID)
		}
		seen[p.ProviderID] = true

		switch p.Kind {
		case domain.ProviderKindHTTP, domain.ProviderKindGRPC:
			if p.Endpoint == "" {
				return fmt.Errorf("provider %q: endpoint is required for kind %s", p.ProviderID, p.Kind)
			}
		case domain.ProviderKindKeyword:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.ProviderID, p.Kind)
		}
	}

	switch cfg.Platform.Kind {
	case PlatformStatic:
	case PlatformADF:
		if cfg.Platform.SubscriptionID == "" || cfg.Platform.ResourceGroup == "" || cfg.Platform.FactoryName == "" {
			return fmt.Errorf("platform adf requires subscription_id, resource_group and factory_name")
		}
	default:
		return fmt.Errorf("unknown platform kind %q", cfg.Platform.Kind)
	}
	return nil
}
