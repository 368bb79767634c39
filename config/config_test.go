package config

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost:5432/scheduler",
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearAllSchedulerEnv(t)
	withEnv(t, baseEnv())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "local" {
		t.Errorf("Env default = %q, want local", cfg.Env)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("Worker.Concurrency default = %d, want 5", cfg.Worker.Concurrency)
	}
	if cfg.HTTP.Timeout.Seconds() != 30 {
		t.Errorf("HTTP.Timeout default = %s, want 30s", cfg.HTTP.Timeout)
	}
	if cfg.Timezone.Default != "UTC" {
		t.Errorf("Timezone.Default = %q, want UTC", cfg.Timezone.Default)
	}
	if !cfg.DuplicatePrevention.Enabled {
		t.Error("DuplicatePrevention.Enabled default should be true")
	}
}

func TestLoad_MissingDatabaseURLFails(t *testing.T) {
	clearAllSchedulerEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_RejectsInvalidEnv(t *testing.T) {
	clearAllSchedulerEnv(t)
	withEnv(t, baseEnv())
	t.Setenv("ENV", "production-ish")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for invalid ENV")
	}
}

func TestLoad_ProductionRequiresResendCredentials(t *testing.T) {
	clearAllSchedulerEnv(t)
	withEnv(t, baseEnv())
	t.Setenv("ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for missing RESEND_API_KEY/RESEND_FROM in production")
	}
}

func TestLoad_RejectsZeroWorkerConcurrency(t *testing.T) {
	clearAllSchedulerEnv(t)
	withEnv(t, baseEnv())
	t.Setenv("WORKER_CONCURRENCY", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for WORKER_CONCURRENCY=0")
	}
}

func TestSlogLevel_MapsKnownLevels(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("got %s, want DEBUG", cfg.SlogLevel())
	}
	cfg.LogLevel = "unknown"
	if cfg.SlogLevel().String() != "INFO" {
		t.Errorf("unknown level should default to INFO, got %s", cfg.SlogLevel())
	}
}

// clearAllSchedulerEnv unsets every env var this package reads, so one
// test's t.Setenv doesn't leak expectations into the next (caarlos0/env
// reads the real process environment, not a passed-in map).
func clearAllSchedulerEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"ENV", "PORT", "DATABASE_URL", "METRICS_PORT", "LOG_LEVEL",
		"RESEND_API_KEY", "RESEND_FROM",
		"WORKER_CONCURRENCY",
	}
	for _, v := range vars {
		orig, had := os.LookupEnv(v)
		os.Unsetenv(v)
		if had {
			t.Cleanup(func(v, orig string) func() {
				return func() { os.Setenv(v, orig) }
			}(v, orig))
		}
	}
}
