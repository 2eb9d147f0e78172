// Package config manages Canaria's persistent, hot-reloadable
// configuration: environment overrides on first boot, a single
// persisted row thereafter, and admin-mutable updates at runtime.
package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RollupInterval is one of the allowed metrics rollup tokens.
type RollupInterval string

const (
	Rollup1m  RollupInterval = "1m"
	Rollup5m  RollupInterval = "5m"
	Rollup15m RollupInterval = "15m"
	Rollup1h  RollupInterval = "1h"
)

// Milliseconds converts a rollup interval token to milliseconds,
// defaulting to 5m for anything unrecognized.
func (r RollupInterval) Milliseconds() int64 {
	switch r {
	case Rollup1m:
		return 60_000
	case Rollup15m:
		return 900_000
	case Rollup1h:
		return 3_600_000
	case Rollup5m:
		return 300_000
	default:
		return 300_000
	}
}

// Seconds converts a rollup interval token to seconds.
func (r RollupInterval) Seconds() int64 { return r.Milliseconds() / 1000 }

func validRollupInterval(s string) bool {
	switch RollupInterval(s) {
	case Rollup1m, Rollup5m, Rollup15m, Rollup1h:
		return true
	}
	return false
}

// RateLimitRule bounds one endpoint's fixed-window allowance.
type RateLimitRule struct {
	MaxRequests int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

// Config is the full mutable configuration document, persisted as a
// single JSON row and editable via /admin/config.
type Config struct {
	Metrics struct {
		RollupInterval     RollupInterval `json:"rollupInterval"`
		RetentionDays      int            `json:"retentionDays"`
		RollupRetentionDays int           `json:"rollupRetentionDays"`
	} `json:"metrics"`
	RateLimit struct {
		Enabled bool                     `json:"enabled"`
		Limits  map[string]RateLimitRule `json:"limits"`
	} `json:"rateLimit"`
	Monitoring struct {
		ParserTimeoutSeconds int `json:"parserTimeoutSeconds"`
		FeedTimeoutSeconds   int `json:"feedTimeoutSeconds"`
		CleanupIntervalHours int `json:"cleanupIntervalHours"`
	} `json:"monitoring"`
}

// Defaults returns the built-in configuration before any environment
// override or persisted row is applied.
func Defaults() Config {
	var c Config
	c.Metrics.RollupInterval = Rollup5m
	c.Metrics.RetentionDays = 30
	c.Metrics.RollupRetentionDays = 90
	c.RateLimit.Enabled = true
	c.RateLimit.Limits = map[string]RateLimitRule{
		"POST /v1/events":       {MaxRequests: 120, WindowSeconds: 60},
		"GET /v1/events":        {MaxRequests: 60, WindowSeconds: 60},
		"GET /v1/events/latest": {MaxRequests: 120, WindowSeconds: 60},
		"GET /v1/ws":            {MaxRequests: 30, WindowSeconds: 60},
	}
	c.Monitoring.ParserTimeoutSeconds = 120
	c.Monitoring.FeedTimeoutSeconds = 120
	c.Monitoring.CleanupIntervalHours = 6
	return c
}

const configKey = "canaria"

// Manager owns the in-memory configuration and its persisted row. The
// teacher repo has no analogous hot-reload manager — this generalizes
// its env-driven config.LoadFromEnv into something admin-mutable and
// store-backed, per spec.md §4.2.
type Manager struct {
	db *sql.DB

	mu  sync.RWMutex
	cfg Config
}

// New ensures the config table exists, loads or materializes the single
// config row, and applies environment overrides only on first
// initialization (i.e. only to freshly materialized defaults).
func New(ctx context.Context, db *sql.DB) (*Manager, error) {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL
)`); err != nil {
		return nil, fmt.Errorf("config: ensure table: %w", err)
	}

	m := &Manager{db: db}

	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, configKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cfg := Defaults()
		applyEnvOverrides(&cfg)
		if err := m.persist(ctx, cfg); err != nil {
			return nil, err
		}
		m.cfg = cfg
	case err != nil:
		return nil, fmt.Errorf("config: read row: %w", err)
	default:
		var cfg Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("config: decode row: %w", err)
		}
		m.cfg = cfg
	}

	return m, nil
}

// applyEnvOverrides mutates cfg in place from the environment variables
// named in spec.md §6, ignoring unknown keys and out-of-range values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("METRICS_ROLLUP_INTERVAL")); v != "" && validRollupInterval(v) {
		cfg.Metrics.RollupInterval = RollupInterval(v)
	}
	if v := strings.TrimSpace(os.Getenv("METRICS_RETENTION_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 365 {
			cfg.Metrics.RetentionDays = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ROLLUP_RETENTION_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 365 {
			cfg.Metrics.RollupRetentionDays = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")); v != "" {
		switch strings.ToLower(v) {
		case "true":
			cfg.RateLimit.Enabled = true
		case "false":
			cfg.RateLimit.Enabled = false
		}
	}
}

// Get returns a deep copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopy(m.cfg)
}

// Update replaces each section selected by fields with the matching
// section of partial (rate-limit rules are merged into the existing
// rules by endpoint key rather than replaced) and immediately persists
// the result. Fields inside a selected section are not merged one by
// one: a zero value in partial overwrites the current value.
func (m *Manager) Update(ctx context.Context, partial Config, fields UpdateMask) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := deepCopy(m.cfg)
	if fields.Metrics {
		merged.Metrics = partial.Metrics
	}
	if fields.RateLimit {
		if merged.RateLimit.Limits == nil {
			merged.RateLimit.Limits = map[string]RateLimitRule{}
		}
		merged.RateLimit.Enabled = partial.RateLimit.Enabled
		for k, v := range partial.RateLimit.Limits {
			merged.RateLimit.Limits[k] = v
		}
	}
	if fields.Monitoring {
		merged.Monitoring = partial.Monitoring
	}

	if err := m.persist(ctx, merged); err != nil {
		return Config{}, err
	}
	m.cfg = merged
	return deepCopy(merged), nil
}

// UpdateMask selects which top-level sections a partial Update touches,
// so that omitting a section in the PUT body doesn't zero it out.
type UpdateMask struct {
	Metrics    bool
	RateLimit  bool
	Monitoring bool
}

func (m *Manager) persist(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
INSERT INTO config(key, value, updatedAt) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = excluded.updatedAt`,
		configKey, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("config: persist: %w", err)
	}
	return nil
}

func deepCopy(c Config) Config {
	out := c
	out.RateLimit.Limits = make(map[string]RateLimitRule, len(c.RateLimit.Limits))
	for k, v := range c.RateLimit.Limits {
		out.RateLimit.Limits[k] = v
	}
	return out
}
