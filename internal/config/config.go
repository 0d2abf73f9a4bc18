// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"threatdesk.io/internal/auth"
)

const envPrefix = "THREATDESK_"

// Config carries every tunable the identity service reads at startup.
type Config struct {
	Addr   string
	PGDSN  string
	Issuer string

	// AuthSecret signs bearer tokens. Required; there is no default.
	AuthSecret string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration

	MaxLoginAttempts int
	LockoutWindow    time.Duration

	// LoginRateBurst / LoginRatePerSec bound the per-IP token bucket in
	// front of the credential endpoints.
	LoginRateBurst  int
	LoginRatePerSec int
}

// Load reads configuration from THREATDESK_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		Addr:             getenv("ADDR", ":8080"),
		PGDSN:            getenv("PG_DSN", ""),
		Issuer:           getenv("ISSUER", "threatdesk"),
		AuthSecret:       getenv("AUTH_SECRET", ""),
		AccessTTL:        auth.ParseTTL(getenv("ACCESS_TTL", "15m")),
		RefreshTTL:       auth.ParseTTL(getenv("REFRESH_TTL", "7d")),
		ResetTTL:         auth.ParseTTL(getenv("RESET_TTL", "1h")),
		MaxLoginAttempts: getint("MAX_LOGIN_ATTEMPTS", 5),
		LockoutWindow:    auth.ParseTTL(getenv("LOCKOUT_WINDOW", "15m")),
		LoginRateBurst:   getint("LOGIN_RATE_BURST", 10),
		LoginRatePerSec:  getint("LOGIN_RATE_PER_SEC", 2),
	}
	if cfg.AuthSecret == "" {
		return Config{}, errors.New("config: " + envPrefix + "AUTH_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
