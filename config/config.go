// Package config loads roster's process configuration from ROSTER_* environment
// variables. Library packages never read the environment; cmd/rosterd calls Load
// with os.Environ() and passes the values down explicitly.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/roster"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds everything cmd/rosterd needs to start.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Store         string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// APIKeys maps credentials to roles.
	APIKeys map[string]roster.Role

	RateLimit      int
	RateWindow     time.Duration
	RateTrustProxy bool

	IdempotencyTTL      time.Duration
	IdempotencyLockTTL  time.Duration
	IdempotencyRequired bool

	SweepInterval  time.Duration
	SweepRetention time.Duration
	SweepLease     bool

	ScanBatch int
	// ScanRate caps scan round trips per second during sweeps. Zero disables pacing.
	ScanRate float64

	MaxBodyBytes int64
}

// Default returns the configuration used for unset variables.
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		ShutdownTimeout:    10 * time.Second,
		Store:              StoreRedis,
		RedisPrefix:        "roster:",
		RateLimit:          5,
		RateWindow:         10 * time.Second,
		IdempotencyTTL:     300 * time.Second,
		IdempotencyLockTTL: 30 * time.Second,
		SweepInterval:      time.Hour,
		SweepRetention:     24 * time.Hour,
		SweepLease:         true,
		ScanBatch:          100,
		ScanRate:           50,
		MaxBodyBytes:       roster.DefaultMaxBodyBytes,
	}
}

// Load builds a Config from environ (KEY=value entries, as from os.Environ) on top
// of Default and validates the result.
func Load(environ []string) (Config, error) {
	cfg := Default()
	if err := applyEnv(&cfg, envMap(environ)); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, values map[string]string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := values[name]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := values[name]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, invalid(name, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := values[name]; ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, invalid(name, v))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := values[name]; ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, invalid(name, v))
				return
			}
			*dst = d
		}
	}

	str("ROSTER_HTTP_ADDR", &cfg.HTTPAddr)
	duration("ROSTER_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	str("ROSTER_STORE", &cfg.Store)
	str("ROSTER_REDIS_URL", &cfg.RedisURL)
	str("ROSTER_REDIS_PASSWORD", &cfg.RedisPassword)
	integer("ROSTER_REDIS_DB", &cfg.RedisDB)
	str("ROSTER_REDIS_PREFIX", &cfg.RedisPrefix)
	integer("ROSTER_RATE_LIMIT", &cfg.RateLimit)
	duration("ROSTER_RATE_WINDOW", &cfg.RateWindow)
	boolean("ROSTER_RATE_TRUST_PROXY", &cfg.RateTrustProxy)
	duration("ROSTER_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	duration("ROSTER_IDEMPOTENCY_LOCK_TTL", &cfg.IdempotencyLockTTL)
	boolean("ROSTER_IDEMPOTENCY_REQUIRED", &cfg.IdempotencyRequired)
	duration("ROSTER_SWEEP_INTERVAL", &cfg.SweepInterval)
	duration("ROSTER_SWEEP_RETENTION", &cfg.SweepRetention)
	boolean("ROSTER_SWEEP_LEASE", &cfg.SweepLease)
	integer("ROSTER_SCAN_BATCH", &cfg.ScanBatch)

	if v, ok := values["ROSTER_SCAN_RATE"]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, invalid("ROSTER_SCAN_RATE", v))
		} else {
			cfg.ScanRate = f
		}
	}
	if v, ok := values["ROSTER_MAX_BODY_BYTES"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, invalid("ROSTER_MAX_BODY_BYTES", v))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	if v, ok := values["ROSTER_API_KEYS"]; ok {
		keys, err := parseAPIKeys(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.APIKeys = keys
		}
	}

	return errors.Join(errs...)
}

// Validate reports every invalid or missing setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("ROSTER_REDIS_URL is required"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("ROSTER_STORE must be %q or %q, got %q", StoreRedis, StoreMemory, c.Store))
	}
	if len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("ROSTER_API_KEYS is required"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("ROSTER_RATE_LIMIT must not be negative"))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, errors.New("ROSTER_RATE_WINDOW must be positive"))
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyLockTTL <= 0 {
		errs = append(errs, errors.New("idempotency TTLs must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("ROSTER_SWEEP_INTERVAL must be positive"))
	}
	if c.SweepRetention <= 0 {
		errs = append(errs, errors.New("ROSTER_SWEEP_RETENTION must be positive"))
	}
	if c.ScanBatch <= 0 {
		errs = append(errs, errors.New("ROSTER_SCAN_BATCH must be positive"))
	}
	if c.ScanRate < 0 {
		errs = append(errs, errors.New("ROSTER_SCAN_RATE must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("ROSTER_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// parseAPIKeys parses "key:role,key:role".
func parseAPIKeys(v string) (map[string]roster.Role, error) {
	keys := make(map[string]roster.Role)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, role, ok := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("ROSTER_API_KEYS: entry %q must be key:role", entry)
		}
		switch r := roster.Role(strings.TrimSpace(role)); r {
		case roster.RoleUser, roster.RoleAdmin:
			keys[key] = r
		default:
			return nil, fmt.Errorf("ROSTER_API_KEYS: unknown role %q", role)
		}
	}
	return keys, nil
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func invalid(name, value string) error {
	return fmt.Errorf("invalid value for %s: %q", name, value)
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string)
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		values[key] = value
	}
	return values
}
