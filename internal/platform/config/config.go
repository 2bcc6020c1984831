package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// devMasterSecret is the non-production fallback when no master secret is
// configured. Production refuses to start without an explicit secret.
const devMasterSecret = "dev-onboarding-master-secret-change-me"

// Config captures process-level configuration so main stays lean.
type Config struct {
	Addr         string
	Env          string
	DatabaseURL  string
	RedisURL     string
	MasterSecret string

	SessionTTL       time.Duration
	MaxSessionsPerIP int
	CSRFMaxAge       time.Duration

	OrphanAfter   time.Duration
	StuckAfter    time.Duration
	MaxSessionAge time.Duration
}

// FromEnv builds a Config from environment variables. It fails only on
// violations that must not be papered over, like a missing production master
// secret.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Addr:             envOr("ONBOARD_ADDR", ":8080"),
		Env:              envOr("APP_ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		MasterSecret:     os.Getenv("ONBOARD_MASTER_SECRET"),
		SessionTTL:       durationOr("ONBOARD_SESSION_TTL", 24*time.Hour),
		MaxSessionsPerIP: intOr("ONBOARD_MAX_SESSIONS_PER_IP", 10),
		CSRFMaxAge:       durationOr("ONBOARD_CSRF_MAX_AGE", time.Hour),
		OrphanAfter:      durationOr("ONBOARD_ORPHAN_AFTER", 24*time.Hour),
		StuckAfter:       durationOr("ONBOARD_STUCK_AFTER", 6*time.Hour),
		MaxSessionAge:    durationOr("ONBOARD_MAX_SESSION_AGE", 72*time.Hour),
	}

	if cfg.MasterSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("ONBOARD_MASTER_SECRET is required in production")
		}
		cfg.MasterSecret = devMasterSecret
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
