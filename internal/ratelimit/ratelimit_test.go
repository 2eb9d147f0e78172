package ratelimit

import (
	"context"
	"testing"

	"github.com/MercuriusDream/Canaria/internal/config"
	"github.com/MercuriusDream/Canaria/internal/store"
)

func newTestLimiter(t *testing.T) (*Limiter, *config.Manager) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cm, err := config.New(context.Background(), s.DB())
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return New(s.DB(), cm), cm
}

func setLimit(t *testing.T, cm *config.Manager, endpoint string, max, windowSeconds int) {
	t.Helper()
	cfg := cm.Get()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Limits = map[string]config.RateLimitRule{endpoint: {MaxRequests: max, WindowSeconds: windowSeconds}}
	if _, err := cm.Update(context.Background(), cfg, config.UpdateMask{RateLimit: true}); err != nil {
		t.Fatalf("update config: %v", err)
	}
}

func TestFixedWindowAllowsUpToMaxThenDenies(t *testing.T) {
	l, cm := newTestLimiter(t)
	setLimit(t, cm, "X", 3, 60)

	ctx := context.Background()
	var results []Result
	for i := 0; i < 4; i++ {
		r, err := l.Check(ctx, "1.2.3.4", "X")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		results = append(results, r)
	}

	for i, want := range []bool{true, true, true, false} {
		if results[i].Allowed != want {
			t.Fatalf("request %d: expected allowed=%v, got %v", i, want, results[i].Allowed)
		}
	}

	last := results[3]
	if last.Limit != 3 || last.Remaining != 0 {
		t.Fatalf("expected deny headers Limit=3 Remaining=0, got %+v", last)
	}
}

func TestDeniedRequestDoesNotIncrement(t *testing.T) {
	l, cm := newTestLimiter(t)
	setLimit(t, cm, "X", 1, 60)

	ctx := context.Background()
	first, err := l.Check(ctx, "9.9.9.9", "X")
	if err != nil || !first.Allowed {
		t.Fatalf("expected first request allowed, got %+v err=%v", first, err)
	}

	for i := 0; i < 3; i++ {
		r, err := l.Check(ctx, "9.9.9.9", "X")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if r.Allowed {
			t.Fatalf("expected subsequent requests denied, got allowed at iteration %d", i)
		}
		if r.Remaining != 0 {
			t.Fatalf("expected remaining to stay at 0 on repeated denial, got %d", r.Remaining)
		}
	}

	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT count FROM rateLimits WHERE key = ?`, "9.9.9.9:X").Scan(&count); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected stored counter to stay at 1 after denials, got %d", count)
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l, cm := newTestLimiter(t)
	cfg := cm.Get()
	cfg.RateLimit.Enabled = false
	if _, err := cm.Update(context.Background(), cfg, config.UpdateMask{RateLimit: true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	for i := 0; i < 5; i++ {
		r, err := l.Check(context.Background(), "1.1.1.1", "anything")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !r.Allowed {
			t.Fatalf("expected always-allow when disabled")
		}
	}
}

func TestResetClearsCounter(t *testing.T) {
	l, cm := newTestLimiter(t)
	setLimit(t, cm, "X", 1, 60)

	ctx := context.Background()
	if _, err := l.Check(ctx, "5.5.5.5", "X"); err != nil {
		t.Fatalf("check: %v", err)
	}
	denied, err := l.Check(ctx, "5.5.5.5", "X")
	if err != nil || denied.Allowed {
		t.Fatalf("expected second request denied before reset")
	}

	if err := l.Reset(ctx, "5.5.5.5", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}

	allowed, err := l.Check(ctx, "5.5.5.5", "X")
	if err != nil || !allowed.Allowed {
		t.Fatalf("expected request allowed after reset, got %+v err=%v", allowed, err)
	}
}
