package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Database   DatabaseConfig            `yaml:"database"`
	Redis      RedisConfig               `yaml:"redis"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Intake     IntakeConfig              `yaml:"intake"`
	Resilience ResilienceConfig          `yaml:"resilience"`
	LinkedIn   LinkedInConfig            `yaml:"linkedin"`
	API        APIConfig                 `yaml:"api"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds credentials and knobs for one delivery provider.
// Secrets are never committed in config.yaml; they arrive via env overrides
// (PROVIDER_<ID>_API_KEY, PROVIDER_<ID>_WEBHOOK_SECRET). A provider with no
// webhook secret rejects that provider's webhooks rather than skipping
// verification.
type ProviderConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Channel        string  `yaml:"channel"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	WebhookSecret  string  `yaml:"webhook_secret"`
	AccountID      string  `yaml:"account_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	MaxInFlight    int     `yaml:"max_in_flight"`
}

// SchedulerConfig holds enrollment progression settings.
type SchedulerConfig struct {
	Enabled              bool `yaml:"enabled"`
	TickIntervalSeconds  int  `yaml:"tick_interval_seconds"`
	BatchSize            int  `yaml:"batch_size"`
	Concurrency          int  `yaml:"concurrency"`
	MaxStepFailures      int  `yaml:"max_step_failures"`
	ConnectionWaitDays   int  `yaml:"connection_wait_days"`
	ConnectionCheckHours int  `yaml:"connection_check_hours"`
	ClaimTimeoutMinutes  int  `yaml:"claim_timeout_minutes"`
}

// IntakeConfig holds webhook ingestion settings.
type IntakeConfig struct {
	MaxBodyBytes       int64 `yaml:"max_body_bytes"`
	OrphanMaxAttempts  int   `yaml:"orphan_max_attempts"`
	OrphanBaseSeconds  int   `yaml:"orphan_base_seconds"`
	OrphanCapSeconds   int   `yaml:"orphan_cap_seconds"`
	OrphanSweepSeconds int   `yaml:"orphan_sweep_seconds"`
}

// ResilienceConfig holds circuit breaker and retry settings shared across
// providers (per-provider rate/burst live in ProviderConfig).
type ResilienceConfig struct {
	BreakerVolumeThreshold  int     `yaml:"breaker_volume_threshold"`
	BreakerFailureRate      float64 `yaml:"breaker_failure_rate"`
	BreakerWindowSeconds    int     `yaml:"breaker_window_seconds"`
	BreakerResetSeconds     int     `yaml:"breaker_reset_seconds"`
	BreakerHalfOpenRequests int     `yaml:"breaker_half_open_requests"`
	BreakerRetryDelayMin    int     `yaml:"breaker_retry_delay_minutes"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
	RetryBaseMillis         int     `yaml:"retry_base_millis"`
	RetryCapSeconds         int     `yaml:"retry_cap_seconds"`
	DispatchWaitSeconds     int     `yaml:"dispatch_wait_seconds"`
	GlobalRatePerSecond     float64 `yaml:"global_rate_per_second"`
	GlobalBurst             int     `yaml:"global_burst"`
	DLQMaxAttempts          int     `yaml:"dlq_max_attempts"`
	DLQSweepSeconds         int     `yaml:"dlq_sweep_seconds"`
}

// LinkedInConfig holds the per-account daily action ceilings.
type LinkedInConfig struct {
	DailyConnectionCap   int `yaml:"daily_connection_cap"`
	DailyMessageCap      int `yaml:"daily_message_cap"`
	DailyProfileVisitCap int `yaml:"daily_profile_visit_cap"`
}

// APIConfig holds auth, CSRF, and per-key rate limit settings.
type APIConfig struct {
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	LockoutThreshold   int    `yaml:"lockout_threshold"`
	LockoutMinutes     int    `yaml:"lockout_minutes"`
	CSRFCookieName     string `yaml:"csrf_cookie_name"`
	BootstrapAdminKey  string `yaml:"bootstrap_admin_key"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Timeout returns the provider HTTP timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Settings flattens a provider config into the map shape adapters
// validate before an instance may start.
func (p ProviderConfig) Settings() map[string]string {
	return map[string]string{
		"api_key":        p.APIKey,
		"base_url":       p.BaseURL,
		"webhook_secret": p.WebhookSecret,
		"account_id":     p.AccountID,
		"channel":        p.Channel,
	}
}

// TickInterval returns the scheduler tick as a duration.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ShutdownSeconds == 0 {
		cfg.Server.ShutdownSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	for id, p := range cfg.Providers {
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 30
		}
		if p.RatePerSecond == 0 {
			p.RatePerSecond = 5
		}
		if p.Burst == 0 {
			p.Burst = 10
		}
		if p.MaxInFlight == 0 {
			p.MaxInFlight = 10
		}
		cfg.Providers[id] = p
	}
	if cfg.Scheduler.TickIntervalSeconds == 0 {
		cfg.Scheduler.TickIntervalSeconds = 15
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 8
	}
	if cfg.Scheduler.MaxStepFailures == 0 {
		cfg.Scheduler.MaxStepFailures = 3
	}
	if cfg.Scheduler.ConnectionWaitDays == 0 {
		cfg.Scheduler.ConnectionWaitDays = 14
	}
	if cfg.Scheduler.ConnectionCheckHours == 0 {
		cfg.Scheduler.ConnectionCheckHours = 6
	}
	if cfg.Scheduler.ClaimTimeoutMinutes == 0 {
		cfg.Scheduler.ClaimTimeoutMinutes = 10
	}
	if cfg.Intake.MaxBodyBytes == 0 {
		cfg.Intake.MaxBodyBytes = 1 << 20
	}
	if cfg.Intake.OrphanMaxAttempts == 0 {
		cfg.Intake.OrphanMaxAttempts = 12
	}
	if cfg.Intake.OrphanBaseSeconds == 0 {
		cfg.Intake.OrphanBaseSeconds = 30
	}
	if cfg.Intake.OrphanCapSeconds == 0 {
		cfg.Intake.OrphanCapSeconds = 3600
	}
	if cfg.Intake.OrphanSweepSeconds == 0 {
		cfg.Intake.OrphanSweepSeconds = 15
	}
	if cfg.Resilience.BreakerVolumeThreshold == 0 {
		cfg.Resilience.BreakerVolumeThreshold = 10
	}
	if cfg.Resilience.BreakerFailureRate == 0 {
		cfg.Resilience.BreakerFailureRate = 0.5
	}
	if cfg.Resilience.BreakerWindowSeconds == 0 {
		cfg.Resilience.BreakerWindowSeconds = 60
	}
	if cfg.Resilience.BreakerResetSeconds == 0 {
		cfg.Resilience.BreakerResetSeconds = 30
	}
	if cfg.Resilience.BreakerHalfOpenRequests == 0 {
		cfg.Resilience.BreakerHalfOpenRequests = 3
	}
	if cfg.Resilience.BreakerRetryDelayMin == 0 {
		cfg.Resilience.BreakerRetryDelayMin = 2
	}
	if cfg.Resilience.RetryMaxAttempts == 0 {
		cfg.Resilience.RetryMaxAttempts = 4
	}
	if cfg.Resilience.RetryBaseMillis == 0 {
		cfg.Resilience.RetryBaseMillis = 500
	}
	if cfg.Resilience.RetryCapSeconds == 0 {
		cfg.Resilience.RetryCapSeconds = 30
	}
	if cfg.Resilience.DispatchWaitSeconds == 0 {
		cfg.Resilience.DispatchWaitSeconds = 10
	}
	if cfg.Resilience.GlobalRatePerSecond == 0 {
		cfg.Resilience.GlobalRatePerSecond = 50
	}
	if cfg.Resilience.GlobalBurst == 0 {
		cfg.Resilience.GlobalBurst = 100
	}
	if cfg.Resilience.DLQMaxAttempts == 0 {
		cfg.Resilience.DLQMaxAttempts = 6
	}
	if cfg.Resilience.DLQSweepSeconds == 0 {
		cfg.Resilience.DLQSweepSeconds = 60
	}
	if cfg.LinkedIn.DailyConnectionCap == 0 {
		cfg.LinkedIn.DailyConnectionCap = 25
	}
	if cfg.LinkedIn.DailyMessageCap == 0 {
		cfg.LinkedIn.DailyMessageCap = 50
	}
	if cfg.LinkedIn.DailyProfileVisitCap == 0 {
		cfg.LinkedIn.DailyProfileVisitCap = 80
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 120
	}
	if cfg.API.LockoutThreshold == 0 {
		cfg.API.LockoutThreshold = 5
	}
	if cfg.API.LockoutMinutes == 0 {
		cfg.API.LockoutMinutes = 15
	}
	if cfg.API.CSRFCookieName == "" {
		cfg.API.CSRFCookieName = "outreach_csrf"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BOOTSTRAP_ADMIN_KEY"); v != "" {
		cfg.API.BootstrapAdminKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Per-provider secrets: PROVIDER_LEMLIST_API_KEY,
	// PROVIDER_HEYGEN_WEBHOOK_SECRET, and so on.
	for id, p := range cfg.Providers {
		prefix := "PROVIDER_" + envKey(id)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "_WEBHOOK_SECRET"); v != "" {
			p.WebhookSecret = v
		}
		if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
			p.BaseURL = v
		}
		if v := os.Getenv(prefix + "_ACCOUNT_ID"); v != "" {
			p.AccountID = v
		}
		cfg.Providers[id] = p
	}

	return cfg, nil
}

// Validate checks the settings without which the service cannot start.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Channel {
		case "email", "linkedin", "video":
		default:
			return fmt.Errorf("provider %s: unknown channel %q", id, p.Channel)
		}
	}
	return nil
}

func envKey(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z' || c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
