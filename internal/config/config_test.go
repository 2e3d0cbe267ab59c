package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
server:
  port: 9090
database:
  url: postgres://localhost/outreach_test?sslmode=disable
providers:
  lemlist:
    enabled: true
    channel: email
    base_url: https://api.lemlist.com
  phantombuster:
    enabled: true
    channel: linkedin
    rate_per_second: 0.5
    burst: 1
scheduler:
  batch_size: 20
linkedin:
  daily_connection_cap: 15
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("explicit port lost: %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default host = %q", cfg.Server.Host)
	}
	if cfg.Scheduler.BatchSize != 20 {
		t.Errorf("explicit batch size lost: %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.Concurrency != 8 {
		t.Errorf("default concurrency = %d", cfg.Scheduler.Concurrency)
	}
	if cfg.Intake.OrphanMaxAttempts != 12 {
		t.Errorf("default orphan attempts = %d", cfg.Intake.OrphanMaxAttempts)
	}
	if cfg.Resilience.BreakerFailureRate != 0.5 {
		t.Errorf("default breaker rate = %f", cfg.Resilience.BreakerFailureRate)
	}
	if cfg.LinkedIn.DailyConnectionCap != 15 {
		t.Errorf("explicit connection cap lost: %d", cfg.LinkedIn.DailyConnectionCap)
	}
	if cfg.LinkedIn.DailyMessageCap != 50 {
		t.Errorf("default message cap = %d", cfg.LinkedIn.DailyMessageCap)
	}

	lemlist := cfg.Providers["lemlist"]
	if lemlist.TimeoutSeconds != 30 || lemlist.Burst != 10 {
		t.Errorf("lemlist provider defaults not applied: %+v", lemlist)
	}
	pb := cfg.Providers["phantombuster"]
	if pb.RatePerSecond != 0.5 || pb.Burst != 1 {
		t.Errorf("explicit phantombuster limits lost: %+v", pb)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://prod-host/outreach")
	t.Setenv("PROVIDER_LEMLIST_API_KEY", "ll-secret")
	t.Setenv("PROVIDER_LEMLIST_WEBHOOK_SECRET", "ll-whsec")
	t.Setenv("SERVER_PORT", "7001")

	cfg, err := LoadFromEnv(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Database.URL != "postgres://prod-host/outreach" {
		t.Errorf("DATABASE_URL override ignored: %s", cfg.Database.URL)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("SERVER_PORT override ignored: %d", cfg.Server.Port)
	}
	if cfg.Providers["lemlist"].APIKey != "ll-secret" {
		t.Error("provider api key override ignored")
	}
	if cfg.Providers["lemlist"].WebhookSecret != "ll-whsec" {
		t.Error("provider webhook secret override ignored")
	}
	// Untouched provider keeps its yaml values
	if cfg.Providers["phantombuster"].APIKey != "" {
		t.Error("unrelated provider gained a key")
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Database.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing database url should fail validation")
	}

	cfg.Database.URL = "postgres://x"
	p := cfg.Providers["lemlist"]
	p.Channel = "smoke-signal"
	cfg.Providers["lemlist"] = p
	if err := cfg.Validate(); err == nil {
		t.Error("unknown provider channel should fail validation")
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"lemlist", "LEMLIST"},
		{"phantombuster", "PHANTOMBUSTER"},
		{"hey-gen.2", "HEY_GEN_2"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
