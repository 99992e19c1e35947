package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != "8080" {
		t.Errorf("Port = %q, expected 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, expected sqlite", cfg.Database.Driver)
	}
	if cfg.Cron.Token != "" {
		t.Errorf("Token should default to empty (fail closed), got %q", cfg.Cron.Token)
	}
	if cfg.Lock.TTLSeconds != 180 {
		t.Errorf("TTLSeconds = %d, expected 180", cfg.Lock.TTLSeconds)
	}
	if !cfg.Lock.FailOpen {
		t.Errorf("FailOpen should default to true")
	}
	if cfg.Queue.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, expected 8", cfg.Queue.MaxAttempts)
	}
	if cfg.Cron.RateRPS != 10 {
		t.Errorf("RateRPS = %f, expected 10", cfg.Cron.RateRPS)
	}
	if cfg.Cron.RateBurst != 20 {
		t.Errorf("RateBurst = %d, expected 20", cfg.Cron.RateBurst)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cron.BatchSize != 200 {
		t.Errorf("BatchSize = %d, expected default 200", cfg.Cron.BatchSize)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: "9090"
cron:
  token: "file-token"
  batch_size: 50
  rate_rps: 2
  rate_burst: 5
lock:
  ttl_seconds: 60
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CRON_TOKEN", "env-token")
	t.Setenv("LOCK_FAIL_OPEN", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %q, expected 9090 from file", cfg.Server.Port)
	}
	if cfg.Cron.Token != "env-token" {
		t.Errorf("Token = %q, env must override file", cfg.Cron.Token)
	}
	if cfg.Cron.BatchSize != 50 {
		t.Errorf("BatchSize = %d, expected 50 from file", cfg.Cron.BatchSize)
	}
	if cfg.Lock.TTLSeconds != 60 {
		t.Errorf("TTLSeconds = %d, expected 60 from file", cfg.Lock.TTLSeconds)
	}
	if cfg.Cron.RateRPS != 2 || cfg.Cron.RateBurst != 5 {
		t.Errorf("rate limit = %f/%d, expected 2/5 from file", cfg.Cron.RateRPS, cfg.Cron.RateBurst)
	}
	if cfg.Lock.FailOpen {
		t.Errorf("FailOpen should be false from env")
	}
}

func TestApplyDefaults_BackfillsSparseConfig(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Cron.BatchSize != 200 {
		t.Errorf("BatchSize = %d, expected 200", cfg.Cron.BatchSize)
	}
	if cfg.Lock.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, expected 500ms", cfg.Lock.PollInterval)
	}
	if cfg.Cron.Timezone != "UTC" {
		t.Errorf("Timezone = %q, expected UTC", cfg.Cron.Timezone)
	}
	if cfg.Cron.RateRPS != 10 {
		t.Errorf("RateRPS = %f, expected 10", cfg.Cron.RateRPS)
	}
	if cfg.Cron.RateBurst != 20 {
		t.Errorf("RateBurst = %d, expected 20", cfg.Cron.RateBurst)
	}
}

func TestLocation_FallsBackToUTC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cron.Timezone = "Not/AZone"
	if loc := cfg.Location(); loc != time.UTC {
		t.Errorf("invalid timezone should fall back to UTC, got %v", loc)
	}
}
