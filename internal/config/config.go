// Package config loads every environment-driven setting this service reads
// at startup, failing fast with a combined error rather than letting a
// missing variable surface later as a confusing runtime failure.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, validated set of environment-driven
// settings.
type Config struct {
	CoreURL   string
	AuthToken string // optional; if set, Bearer auth is required on /v1 routes

	SessionTTL time.Duration

	FanoutQueueThreshold int
	FanoutQueue          string // NATS JetStream stream name; "" disables queued fan-out
	NATSURL              string

	AccountID         string
	APIToken          string
	AnalyticsDataset  string // also doubles as the SQLite DSN for local metrics

	CORSOrigins []string

	HTTPAddr  string
	AdminAddr string

	BBoltPath string

	CleanupIntervalSeconds int
}

// Load reads every ENUMERATED variable from the environment, applies
// defaults, and validates required fields. It never partially fails: all
// validation errors are collected and returned together via errors.Join.
func Load() (*Config, error) {
	cfg := &Config{
		CoreURL:                os.Getenv("CORE_URL"),
		AuthToken:              os.Getenv("AUTH_TOKEN"),
		SessionTTL:             durationSecondsOr("SESSION_TTL_SECONDS", 1800),
		FanoutQueueThreshold:   intOr("FANOUT_QUEUE_THRESHOLD", 100),
		FanoutQueue:            os.Getenv("FANOUT_QUEUE"),
		NATSURL:                envOr("NATS_URL", "nats://127.0.0.1:4222"),
		AccountID:              os.Getenv("ACCOUNT_ID"),
		APIToken:               os.Getenv("API_TOKEN"),
		AnalyticsDataset:       os.Getenv("ANALYTICS_DATASET"),
		CORSOrigins:            splitCSV(os.Getenv("CORS_ORIGINS")),
		HTTPAddr:               envOr("HTTP_ADDR", ":8080"),
		AdminAddr:              envOr("ADMIN_ADDR", ":8081"),
		BBoltPath:              envOr("BBOLT_PATH", "./data/subscriptions.db"),
		CleanupIntervalSeconds: intOr("CLEANUP_INTERVAL_SECONDS", 60),
	}

	var errs []error
	if cfg.CoreURL == "" {
		errs = append(errs, errors.New("CORE_URL is required"))
	}
	if cfg.FanoutQueueThreshold <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_QUEUE_THRESHOLD must be positive, got %d", cfg.FanoutQueueThreshold))
	}
	if cfg.CleanupIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL_SECONDS must be positive, got %d", cfg.CleanupIntervalSeconds))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return cfg, nil
}

// AnalyticsConfigured reports whether cleanup/expiry have a usable backend.
func (c *Config) AnalyticsConfigured() bool {
	return c.AnalyticsDataset != ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationSecondsOr(key string, defSeconds int) time.Duration {
	return time.Duration(intOr(key, defSeconds)) * time.Second
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
