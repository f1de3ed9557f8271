// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	BaseURL  string

	// Storage selects the submission store: "memory", "sqlite" or "postgres".
	Storage     string
	SQLitePath  string
	DatabaseURL string

	// IntakeDir is scanned for *.yaml intake definitions at startup.
	IntakeDir string

	WebhookSecret      string
	ReviewerWebhookURL string
	RedisAddr          string

	SweepInterval   time.Duration
	DeliveryWorkers int
}

// Load loads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	cfg := &Config{
		Port:               envOr("FORMBRIDGE_PORT", "8080"),
		LogLevel:           envOr("FORMBRIDGE_LOG_LEVEL", "INFO"),
		BaseURL:            envOr("FORMBRIDGE_BASE_URL", "http://localhost:8080"),
		Storage:            envOr("FORMBRIDGE_STORAGE", "memory"),
		SQLitePath:         envOr("FORMBRIDGE_SQLITE_PATH", "data/formbridge.db"),
		DatabaseURL:        os.Getenv("FORMBRIDGE_DATABASE_URL"),
		IntakeDir:          envOr("FORMBRIDGE_INTAKE_DIR", "intakes"),
		WebhookSecret:      os.Getenv("FORMBRIDGE_WEBHOOK_SECRET"),
		ReviewerWebhookURL: os.Getenv("FORMBRIDGE_REVIEWER_WEBHOOK_URL"),
		RedisAddr:          os.Getenv("FORMBRIDGE_REDIS_ADDR"),
		SweepInterval:      time.Minute,
		DeliveryWorkers:    4,
	}

	if v := os.Getenv("FORMBRIDGE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("FORMBRIDGE_DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DeliveryWorkers = n
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
