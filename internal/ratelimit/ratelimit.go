// Package ratelimit implements Canaria's per-(client, endpoint)
// fixed-window request counters. See spec.md §4.4, §8, and §9 (the
// fixed-window-by-design open question).
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MercuriusDream/Canaria/internal/config"
)

// Result is the outcome of a single Check call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   int64 // absolute unix seconds
}

// Limiter wraps the shared *sql.DB the same way internal/store does:
// a small struct, parameterized queries, no ORM.
type Limiter struct {
	db  *sql.DB
	cfg *config.Manager
}

func New(db *sql.DB, cfg *config.Manager) *Limiter {
	return &Limiter{db: db, cfg: cfg}
}

// Check evaluates a fixed-window admission decision for (ip, endpoint).
// The first request in a window is always allowed and sets count to 1;
// a denied request never mutates the counter.
func (l *Limiter) Check(ctx context.Context, ip, endpoint string) (Result, error) {
	cfg := l.cfg.Get()
	if !cfg.RateLimit.Enabled {
		return Result{Allowed: true}, nil
	}
	rule, ok := cfg.RateLimit.Limits[endpoint]
	if !ok {
		return Result{Allowed: true}, nil
	}

	now := time.Now().UTC().Unix()
	windowSeconds := int64(rule.WindowSeconds)
	if windowSeconds <= 0 {
		return Result{Allowed: true}, nil
	}
	windowStart := now - (now % windowSeconds)
	key := ip + ":" + endpoint

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	var storedWindowStart int64
	err = tx.QueryRowContext(ctx, `SELECT count, windowStart FROM rateLimits WHERE key = ?`, key).Scan(&count, &storedWindowStart)
	switch {
	case err == sql.ErrNoRows:
		count, storedWindowStart = 0, windowStart
	case err != nil:
		return Result{}, fmt.Errorf("ratelimit: read counter: %w", err)
	case storedWindowStart != windowStart:
		// Window rolled over: implicit reset.
		count, storedWindowStart = 0, windowStart
	}

	resetAt := windowStart + windowSeconds
	if count >= rule.MaxRequests {
		if err := tx.Commit(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: commit (deny): %w", err)
		}
		return Result{Allowed: false, Limit: rule.MaxRequests, Remaining: 0, ResetAt: resetAt}, nil
	}

	count++
	if _, err := tx.ExecContext(ctx, `
INSERT INTO rateLimits(key, count, windowStart) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET count = excluded.count, windowStart = excluded.windowStart`,
		key, count, windowStart); err != nil {
		return Result{}, fmt.Errorf("ratelimit: upsert counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("ratelimit: commit (allow): %w", err)
	}

	return Result{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - count,
		ResetAt:   resetAt,
	}, nil
}

// Reset deletes counters for ip, optionally scoped to one endpoint.
func (l *Limiter) Reset(ctx context.Context, ip string, endpoint string) error {
	if endpoint == "" {
		_, err := l.db.ExecContext(ctx, `DELETE FROM rateLimits WHERE key LIKE ?`, ip+":%")
		if err != nil {
			return fmt.Errorf("ratelimit: reset all: %w", err)
		}
		return nil
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM rateLimits WHERE key = ?`, ip+":"+endpoint)
	if err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// Cleanup deletes rows whose window started more than an hour ago.
func (l *Limiter) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-1 * time.Hour).Unix()
	_, err := l.db.ExecContext(ctx, `DELETE FROM rateLimits WHERE windowStart < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("ratelimit: cleanup: %w", err)
	}
	return nil
}

// TopIP is one entry of GetTopIPs' result.
type TopIP struct {
	IP    string
	Count int
}

// GetTopIPs aggregates current counters by IP prefix of the key,
// returning the n highest by summed count.
func (l *Limiter) GetTopIPs(ctx context.Context, n int) ([]TopIP, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key, count FROM rateLimits`)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: topIPs query: %w", err)
	}
	defer rows.Close()

	totals := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("ratelimit: topIPs scan: %w", err)
		}
		ip := key
		if idx := strings.LastIndex(key, ":"); idx >= 0 {
			ip = key[:idx]
		}
		totals[ip] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TopIP, 0, len(totals))
	for ip, c := range totals {
		out = append(out, TopIP{IP: ip, Count: c})
	}
	sortTopIPsDesc(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func sortTopIPsDesc(ips []TopIP) {
	for i := 1; i < len(ips); i++ {
		for j := i; j > 0 && ips[j].Count > ips[j-1].Count; j-- {
			ips[j], ips[j-1] = ips[j-1], ips[j]
		}
	}
}
