package api

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Defaults are overridden first
// by an optional YAML file, then by environment variables.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DBPath          string        `yaml:"db_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogFormat       string        `yaml:"log_format"` // "json" (default) or "text"
	LogLevel        string        `yaml:"log_level"`  // "debug", "info" (default), "warn", "error"

	// Timezone is the canonical server timezone for every "now"
	// computation during a sync cycle.
	Timezone string `yaml:"timezone"`

	// RoundingTolerance is the payment variance, in currency units,
	// still counted as an exact match. Tunable per currency.
	RoundingTolerance float64 `yaml:"rounding_tolerance"`

	// OpTimeout bounds each sync operation.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// DedupTTL is how long idempotency keys survive before pruning.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	MaxBatch int `yaml:"max_batch"` // operations per push

	RateLimitPush  int `yaml:"rate_limit_push"`  // /sync/push per token per minute
	RateLimitPull  int `yaml:"rate_limit_pull"`  // /sync/pull per token per minute
	RateLimitOther int `yaml:"rate_limit_other"` // all other per token per minute
}

// LoadConfig builds the configuration. path may be empty; when set, the
// file must exist and parse.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddr:        ":8080",
		DBPath:            "./data/fieldline.db",
		ShutdownTimeout:   30 * time.Second,
		LogFormat:         "json",
		LogLevel:          "info",
		Timezone:          "UTC",
		RoundingTolerance: 0.01,
		OpTimeout:         10 * time.Second,
		DedupTTL:          30 * 24 * time.Hour,
		MaxBatch:          500,
		RateLimitPush:     60,
		RateLimitPull:     120,
		RateLimitOther:    300,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return cfg, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.RoundingTolerance <= 0 {
		return cfg, fmt.Errorf("rounding tolerance must be positive, got %v", cfg.RoundingTolerance)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FIELDLINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FIELDLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FIELDLINE_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("FIELDLINE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FIELDLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FIELDLINE_ROUNDING_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RoundingTolerance = f
		}
	}
	if v := os.Getenv("FIELDLINE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("FIELDLINE_OP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OpTimeout = d
		}
	}
	if v := os.Getenv("FIELDLINE_DEDUP_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.DedupTTL = d
		}
	}
	if v := os.Getenv("FIELDLINE_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBatch = n
		}
	}
	if v := os.Getenv("FIELDLINE_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("FIELDLINE_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("FIELDLINE_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}
}

// parseDaysDuration parses a string like "30d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		if n, err := strconv.Atoi(numStr); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
