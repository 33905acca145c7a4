package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CORE_URL", "AUTH_TOKEN", "SESSION_TTL_SECONDS", "FANOUT_QUEUE_THRESHOLD",
		"FANOUT_QUEUE", "NATS_URL", "ACCOUNT_ID", "API_TOKEN", "ANALYTICS_DATASET",
		"CORS_ORIGINS", "HTTP_ADDR", "ADMIN_ADDR", "BBOLT_PATH", "CLEANUP_INTERVAL_SECONDS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_RequiresCoreURL(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CORE_URL is unset")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORE_URL", "https://core.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionTTL != 1800*time.Second {
		t.Errorf("expected default session TTL of 1800s, got %v", cfg.SessionTTL)
	}
	if cfg.FanoutQueueThreshold != 100 {
		t.Errorf("expected default fanout threshold 100, got %d", cfg.FanoutQueueThreshold)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default http addr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.AnalyticsConfigured() {
		t.Error("expected analytics not configured by default")
	}
}

func TestLoad_ParsesCORSOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORE_URL", "https://core.example.com")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example.com" || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("unexpected CORS origins: %+v", cfg.CORSOrigins)
	}
}

func TestLoad_RejectsNonPositiveThreshold(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORE_URL", "https://core.example.com")
	t.Setenv("FANOUT_QUEUE_THRESHOLD", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-positive FANOUT_QUEUE_THRESHOLD")
	}
}
