package config

import (
	"strings"
	"testing"
)

func TestLoadDefaultsAreValid(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("JOB_TIMEOUT_SECONDS", "")
	t.Setenv("LEASE_TIMEOUT_SECONDS", "")
	t.Setenv("NATS_CONTROL_SUBJECT", "")

	cfg := Load()
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend by default, got %q", cfg.StoreBackend)
	}
	if cfg.JobTimeoutSeconds != 120 || cfg.LeaseTimeoutSeconds != 180 {
		t.Fatalf("unexpected timeouts %d/%d", cfg.JobTimeoutSeconds, cfg.LeaseTimeoutSeconds)
	}
	if cfg.NATSControlSubject != "analysis.control.cancel" {
		t.Fatalf("unexpected control subject %q", cfg.NATSControlSubject)
	}
	if cfg.ExecSummaryMaxRunes != 600 || cfg.AnalysisVersion != "1.0" {
		t.Fatalf("unexpected result defaults %d %q", cfg.ExecSummaryMaxRunes, cfg.AnalysisVersion)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("AUTO_ANALYZE_ON_UPLOAD", "true")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("MAX_LEASE_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.StoreBackend != "postgres" || cfg.WorkerCount != 8 || cfg.APIRateLimitRPS != 2.5 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.MaxLeaseRetries != 1 {
		t.Fatalf("expected fallback for malformed int, got %d", cfg.MaxLeaseRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRequiresLeaseLongerThanJob(t *testing.T) {
	cfg := Load()
	cfg.JobTimeoutSeconds = 120
	cfg.LeaseTimeoutSeconds = 120

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "LEASE_TIMEOUT_SECONDS") {
		t.Fatalf("expected lease validation error, got %v", err)
	}
}

func TestValidateAutoAnalyzeNeedsNATS(t *testing.T) {
	cfg := Load()
	cfg.AutoAnalyzeUpload = true
	cfg.NATSEnabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when auto analyze runs without NATS")
	}
}
