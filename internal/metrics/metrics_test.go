package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MercuriusDream/Canaria/internal/config"
	"github.com/MercuriusDream/Canaria/internal/store"
)

func newTestMetrics(t *testing.T) (*Metrics, *store.Store) {
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

	m := New(s.DB(), cm, prometheus.NewRegistry())
	return m, s
}

func TestRollupIdempotent(t *testing.T) {
	m, _ := newTestMetrics(t)
	ctx := context.Background()

	// PerformRollup aggregates the closed window before the current one,
	// so the samples are written into the middle of that window.
	interval := m.cfg.Get().Metrics.RollupInterval.Seconds()
	now := time.Now().UTC().Unix()
	ts := time.Unix(now-(now%interval)-interval/2, 0).UTC().Format(time.RFC3339Nano)
	for i := 0; i < 7; i++ {
		if _, err := m.db.ExecContext(ctx, `INSERT INTO requestLogs(ts, endpoint, method, status, durationMs, ip, userAgent) VALUES (?,?,?,?,?,?,?)`,
			ts, "GET /v1/events", "GET", 200, int64(10+i), "1.2.3.4", "test"); err != nil {
			t.Fatalf("insert request log: %v", err)
		}
	}

	if err := m.PerformRollup(ctx); err != nil {
		t.Fatalf("first rollup: %v", err)
	}
	first, err := rollupValue(ctx, m, "requests_total")
	if err != nil {
		t.Fatalf("read rollup: %v", err)
	}

	if err := m.PerformRollup(ctx); err != nil {
		t.Fatalf("second rollup: %v", err)
	}
	second, err := rollupValue(ctx, m, "requests_total")
	if err != nil {
		t.Fatalf("read rollup: %v", err)
	}

	if first != second {
		t.Fatalf("expected idempotent rollup value, got %v then %v", first, second)
	}
	if first != 7 {
		t.Fatalf("expected requests_total value 7, got %v", first)
	}
}

func rollupValue(ctx context.Context, m *Metrics, metricName string) (float64, error) {
	var v float64
	err := m.db.QueryRowContext(ctx, `SELECT value FROM metricsRollup WHERE metricName = ?`, metricName).Scan(&v)
	return v, err
}

func TestExportJSONPercentiles(t *testing.T) {
	m, _ := newTestMetrics(t)
	ctx := context.Background()

	durations := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for _, d := range durations {
		if err := m.LogRequest(ctx, "GET /v1/events", "GET", 200, d, "1.2.3.4", "test"); err != nil {
			t.Fatalf("logRequest: %v", err)
		}
	}

	export, err := m.ExportJSON(ctx)
	if err != nil {
		t.Fatalf("exportJSON: %v", err)
	}
	if export.SampleCount != len(durations) {
		t.Fatalf("expected sampleCount %d, got %d", len(durations), export.SampleCount)
	}
	if export.LatencyMsP50 <= 0 || export.LatencyMsP99 < export.LatencyMsP50 {
		t.Fatalf("expected increasing percentiles, got p50=%v p99=%v", export.LatencyMsP50, export.LatencyMsP99)
	}
}

func TestMaybeRunMaintenanceDoesNotPanicOnFreshStore(t *testing.T) {
	m, _ := newTestMetrics(t)
	if err := m.MaybeRunMaintenance(context.Background()); err != nil {
		t.Fatalf("maybeRunMaintenance: %v", err)
	}
}
