package config

import (
	"time"

	"github.com/vietddude/triage/internal/core/domain"
	redisclient "github.com/vietddude/triage/internal/infra/redis"
	"github.com/vietddude/triage/internal/infra/storage/postgres"
)

// Triage modes.
const (
	ModeFallback = "fallback"
	ModeEnsemble = "ensemble"
)

// Platform feed kinds.
const (
	PlatformADF    = "adf"
	PlatformStatic = "static"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server        ServerConfig            `yaml:"server"`
	Logging       LoggingConfig           `yaml:"logging"`
	Database      postgres.Config         `yaml:"database"`
	Redis         redisclient.Config      `yaml:"redis"`
	Triage        TriageConfig            `yaml:"triage"`
	Providers     []domain.ProviderConfig `yaml:"providers"`
	Platform      PlatformConfig          `yaml:"platform"`
	Notifications NotificationConfig      `yaml:"notifications"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TriageConfig holds the engine and retry policy settings.
type TriageConfig struct {
	Mode                string        `yaml:"mode"` // fallback, ensemble
	Concurrency         int           `yaml:"concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Lookback            time.Duration `yaml:"lookback"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	ConfidenceThreshold int           `yaml:"confidence_threshold"`
	RetryWindow         time.Duration `yaml:"retry_window"`
}

// PlatformConfig describes the pipeline platform that feeds failures and accepts reruns.
type PlatformConfig struct {
	Kind           string        `yaml:"kind"` // adf, static
	BaseURL        string        `yaml:"base_url"`
	SubscriptionID string        `yaml:"subscription_id"`
	ResourceGroup  string        `yaml:"resource_group"`
	FactoryName    string        `yaml:"factory_name"`
	TokenEnv       string        `yaml:"token_env"`
	Timeout        time.Duration `yaml:"timeout"`
}

// NotificationConfig holds escalation transport settings.
type NotificationConfig struct {
	TeamsWebhookURL string     `yaml:"teams_webhook_url"`
	Email           SMTPConfig `yaml:"email"`
}

// SMTPConfig holds e-mail settings. Email is sent only when Server, From and To are set.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Password string `yaml:"password"`
	To       string `yaml:"to"`
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Server != "" && c.From != "" && c.To != ""
}
