// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	System     SystemConfig     `yaml:"system"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Stream     StreamConfig     `yaml:"stream"`
	Background BackgroundConfig `yaml:"background"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	LossGuard  LossGuardConfig  `yaml:"loss_guard"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Notify     NotifyConfig     `yaml:"notify"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// UpstreamConfig configures the streaming data provider connector
type UpstreamConfig struct {
	BaseURL              string  `yaml:"base_url" validate:"required"`
	OpenTimeoutSeconds   int     `yaml:"open_timeout_seconds"`
	ReauthTimeoutSeconds int     `yaml:"reauth_timeout_seconds"`
	OpensPerSecond       float64 `yaml:"opens_per_second"`
	RefreshToken         Secret  `yaml:"refresh_token"`
	TokenURL             string  `yaml:"token_url"`
	ClientID             string  `yaml:"client_id"`
	ClientSecret         Secret  `yaml:"client_secret"`
}

// StreamConfig configures the multiplexer
type StreamConfig struct {
	MaxPendingOpens    int `yaml:"max_pending_opens"`
	StaleTicketSeconds int `yaml:"stale_ticket_seconds"`
	SweepSeconds       int `yaml:"sweep_seconds"`
	SubscriberQueue    int `yaml:"subscriber_queue"`
}

// BackgroundConfig configures the background stream manager
type BackgroundConfig struct {
	InitialBackoffMS     int `yaml:"initial_backoff_ms"`
	MaxBackoffSeconds    int `yaml:"max_backoff_seconds"`
	BreakerWindowSeconds int `yaml:"breaker_window_seconds"`
	BreakerThreshold     int `yaml:"breaker_threshold"`
}

// AlertsConfig configures the alert evaluation engine
type AlertsConfig struct {
	ReloadSeconds   int `yaml:"reload_seconds"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// LossGuardConfig configures the position-loss engine
type LossGuardConfig struct {
	ReloadSeconds  int `yaml:"reload_seconds"`
	ReconcileHours int `yaml:"reconcile_hours"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    Secret `yaml:"dsn"`
}

// ServerConfig configures the live/debug HTTP surface
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NotifyConfig configures outbound notification channels
type NotifyConfig struct {
	EmailAPIURL string           `yaml:"email_api_url"`
	EmailAPIKey Secret           `yaml:"email_api_key"`
	EmailFrom   string           `yaml:"email_from"`
	PoolWorkers int              `yaml:"pool_workers"`
	Addresses   map[int64]string `yaml:"addresses"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
}

// LoadConfig reads, expands and validates a YAML config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them into the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STREAMHUB_DATABASE_DSN"); v != "" {
		c.Storage.DSN = Secret(v)
	}
	if v := os.Getenv("STREAMHUB_REFRESH_TOKEN"); v != "" {
		c.Upstream.RefreshToken = Secret(v)
	}
	if v := os.Getenv("STREAMHUB_CLIENT_SECRET"); v != "" {
		c.Upstream.ClientSecret = Secret(v)
	}
	if v := os.Getenv("STREAMHUB_EMAIL_API_KEY"); v != "" {
		c.Notify.EmailAPIKey = Secret(v)
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "streamhub"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Upstream.OpenTimeoutSeconds <= 0 {
		c.Upstream.OpenTimeoutSeconds = 30
	}
	if c.Upstream.ReauthTimeoutSeconds <= 0 {
		c.Upstream.ReauthTimeoutSeconds = 10
	}
	if c.Upstream.OpensPerSecond <= 0 {
		c.Upstream.OpensPerSecond = 10
	}
	if c.Stream.MaxPendingOpens <= 0 {
		c.Stream.MaxPendingOpens = 50
	}
	if c.Stream.StaleTicketSeconds <= 0 {
		c.Stream.StaleTicketSeconds = 20
	}
	if c.Stream.SweepSeconds <= 0 {
		c.Stream.SweepSeconds = 30
	}
	if c.Stream.SubscriberQueue <= 0 {
		c.Stream.SubscriberQueue = 256
	}
	if c.Background.InitialBackoffMS <= 0 {
		c.Background.InitialBackoffMS = 1000
	}
	if c.Background.MaxBackoffSeconds <= 0 {
		c.Background.MaxBackoffSeconds = 60
	}
	if c.Background.BreakerWindowSeconds <= 0 {
		c.Background.BreakerWindowSeconds = 60
	}
	if c.Background.BreakerThreshold <= 0 {
		c.Background.BreakerThreshold = 10
	}
	if c.Alerts.ReloadSeconds <= 0 {
		c.Alerts.ReloadSeconds = 60
	}
	if c.Alerts.FlushIntervalMS <= 0 {
		c.Alerts.FlushIntervalMS = 1000
	}
	if c.LossGuard.ReloadSeconds <= 0 {
		c.LossGuard.ReloadSeconds = 60
	}
	if c.LossGuard.ReconcileHours <= 0 {
		c.LossGuard.ReconcileHours = 24
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Notify.PoolWorkers <= 0 {
		c.Notify.PoolWorkers = 8
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return fmt.Errorf("invalid log_level: %s", c.System.LogLevel)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be sqlite or postgres)", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	return nil
}

// OpenTimeout returns the bounded upstream open timeout
func (c *UpstreamConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// ReauthTimeout returns the shorter timeout for the retry-after-refresh attempt
func (c *UpstreamConfig) ReauthTimeout() time.Duration {
	return time.Duration(c.ReauthTimeoutSeconds) * time.Second
}
