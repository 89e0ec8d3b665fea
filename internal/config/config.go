package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the stock hold server.
type Config struct {
	Port     int
	LogLevel string

	// Expiration policy: the general sweep catches anything that stopped
	// renewing; the AFK sweep closes abandoned carts much sooner.
	GeneralSweepInterval time.Duration
	GeneralTTL           time.Duration
	AFKSweepInterval     time.Duration
	AFKTTL               time.Duration
	RenewalGrace         time.Duration

	// Terminal-facing tuning, exposed so clients and server agree.
	HeartbeatInterval time.Duration
	CacheStaleAfter   time.Duration

	// RedisAddr selects the Redis-backed ledger when set; empty means
	// the in-memory ledger.
	RedisAddr string
	// CatalogSeed is an optional YAML file to preload the product catalog.
	CatalogSeed string

	// No write timeout knob: the SSE event stream is a deliberately
	// long-lived response, so the server never sets one.
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	generalSweepInterval, err := getDuration("GENERAL_SWEEP_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid GENERAL_SWEEP_INTERVAL: %w", err)
	}

	generalTTL, err := getDuration("GENERAL_TTL", 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid GENERAL_TTL: %w", err)
	}

	afkSweepInterval, err := getDuration("AFK_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid AFK_SWEEP_INTERVAL: %w", err)
	}

	afkTTL, err := getDuration("AFK_TTL", 20*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid AFK_TTL: %w", err)
	}

	renewalGrace, err := getDuration("RENEWAL_GRACE", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid RENEWAL_GRACE: %w", err)
	}

	heartbeatInterval, err := getDuration("HEARTBEAT_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
	}

	cacheStaleAfter, err := getDuration("CACHE_STALE_AFTER", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_STALE_AFTER: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:                 port,
		LogLevel:             logLevel,
		GeneralSweepInterval: generalSweepInterval,
		GeneralTTL:           generalTTL,
		AFKSweepInterval:     afkSweepInterval,
		AFKTTL:               afkTTL,
		RenewalGrace:         renewalGrace,
		HeartbeatInterval:    heartbeatInterval,
		CacheStaleAfter:      cacheStaleAfter,
		RedisAddr:            getStr("REDIS_ADDR", ""),
		CatalogSeed:          getStr("CATALOG_SEED", ""),
		ReadTimeout:          readTimeout,
		IdleTimeout:          idleTimeout,
		ShutdownTimeout:      shutdownTimeout,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects policy combinations that would break the reservation
// lifecycle, like a grace window that outlives the AFK TTL.
func (c *Config) validate() error {
	if c.RenewalGrace >= c.AFKTTL {
		return fmt.Errorf("RENEWAL_GRACE (%s) must be shorter than AFK_TTL (%s)", c.RenewalGrace, c.AFKTTL)
	}
	if c.AFKTTL >= c.GeneralTTL {
		return fmt.Errorf("AFK_TTL (%s) must be shorter than GENERAL_TTL (%s)", c.AFKTTL, c.GeneralTTL)
	}
	if c.HeartbeatInterval >= c.AFKTTL {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than AFK_TTL (%s)", c.HeartbeatInterval, c.AFKTTL)
	}
	for name, d := range map[string]time.Duration{
		"GENERAL_SWEEP_INTERVAL": c.GeneralSweepInterval,
		"GENERAL_TTL":            c.GeneralTTL,
		"AFK_SWEEP_INTERVAL":     c.AFKSweepInterval,
		"AFK_TTL":                c.AFKTTL,
		"RENEWAL_GRACE":          c.RenewalGrace,
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"CACHE_STALE_AFTER":      c.CacheStaleAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
