// Package metrics is Canaria's request/feed/client telemetry sink. It
// captures raw samples into the Store's auxiliary tables, rolls them
// up into per-window aggregates, prunes them on a retention schedule,
// and exports both a Prometheus text view and a richer JSON view.
//
// Grounded on the teacher's ingestion shape (logRequest ~ one more
// InsertEvent-style write) and on galois26-time-value-data-analyser's
// prometheus exporter for the text-format registration pattern.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MercuriusDream/Canaria/internal/config"
)

// Metrics owns the shared *sql.DB the same way ratelimit and config do,
// plus the Prometheus collectors and the monotonic rollup/cleanup gate.
type Metrics struct {
	db  *sql.DB
	cfg *config.Manager

	mu         sync.Mutex
	lastRollup time.Time
	lastClean  time.Time
	lastMinute time.Time

	eventsTotal       *prometheus.CounterVec
	wsClients         prometheus.Gauge
	heartbeatAge      prometheus.Gauge
	feedConnected     *prometheus.GaugeVec
	requestsTotal     *prometheus.CounterVec
	requestDurSeconds *prometheus.HistogramVec
}

// New registers the Prometheus collectors against reg (pass
// prometheus.NewRegistry() for test isolation, or the default registry
// in production) and returns a ready Metrics.
func New(db *sql.DB, cfg *config.Manager, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		db:  db,
		cfg: cfg,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaria_events_total",
			Help: "Total events persisted, by source.",
		}, []string{"source"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canaria_websocket_clients",
			Help: "Currently connected WebSocket subscribers.",
		}),
		heartbeatAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canaria_parser_heartbeat_age_seconds",
			Help: "Seconds since the last authority heartbeat was observed.",
		}),
		feedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canaria_feed_connected",
			Help: "1 if the named feed connector is Connected, else 0.",
		}, []string{"feed"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaria_requests_total",
			Help: "Total HTTP requests, by endpoint and status.",
		}, []string{"endpoint", "status"}),
		requestDurSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canaria_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.eventsTotal, m.wsClients, m.heartbeatAge, m.feedConnected, m.requestsTotal, m.requestDurSeconds)
	return m
}

// RecordEventsInserted increments the events-by-source counter; cmd/canaria
// wires it as Ingest's per-source callback, called once for each source
// present among a batch's newly stored events.
func (m *Metrics) RecordEventsInserted(source string, n int) {
	if n <= 0 {
		return
	}
	m.eventsTotal.WithLabelValues(source).Add(float64(n))
}

// SetWSClientCount updates the live gauge; called whenever the hub's
// subscriber count changes.
func (m *Metrics) SetWSClientCount(n int) { m.wsClients.Set(float64(n)) }

// SetHeartbeatAge updates the seconds-since-last-heartbeat gauge.
func (m *Metrics) SetHeartbeatAge(seconds float64) { m.heartbeatAge.Set(seconds) }

// SetFeedConnected records a feed connector's binary connected state.
func (m *Metrics) SetFeedConnected(feed string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.feedConnected.WithLabelValues(feed).Set(v)
}

// LogRequest persists one request_logs row and updates the live
// Prometheus counters/histogram in the same call.
func (m *Metrics) LogRequest(ctx context.Context, endpoint, method string, status int, durationMs int64, ip, userAgent string) error {
	m.requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", status)).Inc()
	m.requestDurSeconds.WithLabelValues(endpoint).Observe(float64(durationMs) / 1000.0)

	_, err := m.db.ExecContext(ctx, `
INSERT INTO requestLogs(ts, endpoint, method, status, durationMs, ip, userAgent) VALUES (?,?,?,?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339Nano), endpoint, method, status, durationMs, ip, userAgent)
	if err != nil {
		return fmt.Errorf("metrics: logRequest: %w", err)
	}
	return nil
}

// RecordFeedEvent appends one row to the feed-event log surfaced by the
// admin dashboard and pruned by performCleanup.
func (m *Metrics) RecordFeedEvent(ctx context.Context, feed, event, details string) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO feedEvents(ts, feed, event, details) VALUES (?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339Nano), feed, event, details)
	if err != nil {
		return fmt.Errorf("metrics: recordFeedEvent: %w", err)
	}
	return nil
}

// RecordWSClientCount upserts the current-minute client-count sample,
// last-writer-wins within the same minute bucket.
func (m *Metrics) RecordWSClientCount(ctx context.Context, count int) error {
	minute := time.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
	_, err := m.db.ExecContext(ctx, `
INSERT INTO wsClientHistory(ts, count) VALUES (?, ?)
ON CONFLICT(ts) DO UPDATE SET count = excluded.count`, minute, count)
	if err != nil {
		return fmt.Errorf("metrics: recordWSClientCount: %w", err)
	}
	return nil
}

// MaybeSampleClientCount runs RecordWSClientCount at most once per
// minute, the lazy-maintenance trigger the HTTP layer calls on every
// request per spec.md §6.
func (m *Metrics) MaybeSampleClientCount(ctx context.Context, count int) error {
	m.mu.Lock()
	now := time.Now().UTC()
	if now.Sub(m.lastMinute) < time.Minute {
		m.mu.Unlock()
		return nil
	}
	m.lastMinute = now
	m.mu.Unlock()
	return m.RecordWSClientCount(ctx, count)
}

// MaybeRunMaintenance triggers performRollup/performCleanup lazily,
// gated on the configured intervals, from the request path.
func (m *Metrics) MaybeRunMaintenance(ctx context.Context) error {
	cfg := m.cfg.Get()

	m.mu.Lock()
	now := time.Now().UTC()
	rollupDue := now.Sub(m.lastRollup) >= time.Duration(cfg.Metrics.RollupInterval.Seconds())*time.Second
	cleanupDue := now.Sub(m.lastClean) >= time.Duration(cfg.Monitoring.CleanupIntervalHours)*time.Hour
	m.mu.Unlock()

	if rollupDue {
		if err := m.PerformRollup(ctx); err != nil {
			return err
		}
	}
	if cleanupDue {
		if err := m.PerformCleanup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PerformRollup aggregates the closed window [currentWindow-interval,
// currentWindow) from requestLogs into metricsRollup, upserting so
// repeated calls over the same window are idempotent (spec.md §8
// scenario 6).
func (m *Metrics) PerformRollup(ctx context.Context) error {
	cfg := m.cfg.Get()
	intervalSeconds := cfg.Metrics.RollupInterval.Seconds()

	now := time.Now().UTC().Unix()
	windowEnd := now - (now % intervalSeconds)
	windowStart := windowEnd - intervalSeconds

	since := time.Unix(windowStart, 0).UTC().Format(time.RFC3339Nano)
	until := time.Unix(windowEnd, 0).UTC().Format(time.RFC3339Nano)

	rows, err := m.db.QueryContext(ctx, `
SELECT endpoint, status, durationMs FROM requestLogs WHERE ts >= ? AND ts < ?`, since, until)
	if err != nil {
		return fmt.Errorf("metrics: rollup query: %w", err)
	}

	type key struct {
		endpoint string
		status   int
	}
	counts := map[key]int{}
	durSum := map[string]int64{}
	durCount := map[string]int{}

	for rows.Next() {
		var endpoint string
		var status int
		var durationMs int64
		if err := rows.Scan(&endpoint, &status, &durationMs); err != nil {
			rows.Close()
			return fmt.Errorf("metrics: rollup scan: %w", err)
		}
		counts[key{endpoint, status}]++
		durSum[endpoint] += durationMs
		durCount[endpoint]++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metrics: rollup begin tx: %w", err)
	}
	defer tx.Rollback()

	ts := time.Unix(windowStart, 0).UTC().Format(time.RFC3339Nano)
	upsert := `
INSERT INTO metricsRollup(ts, intervalSeconds, metricName, labels, value, count) VALUES (?,?,?,?,?,?)
ON CONFLICT(ts, intervalSeconds, metricName, labels) DO UPDATE SET value = excluded.value, count = excluded.count`

	for k, c := range counts {
		labels, _ := json.Marshal(map[string]string{"endpoint": k.endpoint, "status": fmt.Sprintf("%d", k.status)})
		if _, err := tx.ExecContext(ctx, upsert, ts, intervalSeconds, "requests_total", string(labels), float64(c), c); err != nil {
			return fmt.Errorf("metrics: rollup upsert requests_total: %w", err)
		}
	}
	for endpoint, sum := range durCount {
		avg := float64(durSum[endpoint]) / float64(sum)
		labels, _ := json.Marshal(map[string]string{"endpoint": endpoint})
		if _, err := tx.ExecContext(ctx, upsert, ts, intervalSeconds, "request_duration_avg_ms", string(labels), avg, sum); err != nil {
			return fmt.Errorf("metrics: rollup upsert duration_avg: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metrics: rollup commit: %w", err)
	}

	m.mu.Lock()
	m.lastRollup = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// PerformCleanup deletes request logs past retention, rollups past
// rollup retention, client-count history older than 24h, and feed
// events older than 7 days.
func (m *Metrics) PerformCleanup(ctx context.Context) error {
	cfg := m.cfg.Get()
	now := time.Now().UTC()

	reqCutoff := now.AddDate(0, 0, -cfg.Metrics.RetentionDays).Format(time.RFC3339Nano)
	rollupCutoff := now.AddDate(0, 0, -cfg.Metrics.RollupRetentionDays).Format(time.RFC3339Nano)
	clientCutoff := now.Add(-24 * time.Hour).Format(time.RFC3339)
	feedCutoff := now.AddDate(0, 0, -7).Format(time.RFC3339Nano)

	stmts := []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM requestLogs WHERE ts < ?`, []any{reqCutoff}},
		{`DELETE FROM metricsRollup WHERE ts < ?`, []any{rollupCutoff}},
		{`DELETE FROM wsClientHistory WHERE ts < ?`, []any{clientCutoff}},
		{`DELETE FROM feedEvents WHERE ts < ?`, []any{feedCutoff}},
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s.sql, s.args...); err != nil {
			return fmt.Errorf("metrics: cleanup %q: %w", s.sql, err)
		}
	}

	m.mu.Lock()
	m.lastClean = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// JSONExport is the shape served by the JSON metrics endpoint: sliding
// 5-minute percentile latencies, a rate-per-minute figure, and the
// sample count they were computed from. It does not include the
// counters and gauges of the Prometheus export.
type JSONExport struct {
	GeneratedAt       string             `json:"generatedAt"`
	RequestsPerMinute float64            `json:"requestsPerMinute"`
	LatencyMsP50      float64            `json:"latencyMsP50"`
	LatencyMsP95      float64            `json:"latencyMsP95"`
	LatencyMsP99      float64            `json:"latencyMsP99"`
	SampleCount       int                `json:"sampleCount"`
	WindowSeconds     int                `json:"windowSeconds"`
}

const percentileWindow = 5 * time.Minute

// ExportJSON computes nearest-rank p50/p95/p99 latencies and a
// rate-per-minute figure over the trailing 5-minute window of
// requestLogs.
func (m *Metrics) ExportJSON(ctx context.Context) (JSONExport, error) {
	since := time.Now().UTC().Add(-percentileWindow).Format(time.RFC3339Nano)
	rows, err := m.db.QueryContext(ctx, `SELECT durationMs FROM requestLogs WHERE ts >= ? ORDER BY durationMs ASC`, since)
	if err != nil {
		return JSONExport{}, fmt.Errorf("metrics: exportJSON query: %w", err)
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return JSONExport{}, fmt.Errorf("metrics: exportJSON scan: %w", err)
		}
		durations = append(durations, d)
	}
	if err := rows.Err(); err != nil {
		return JSONExport{}, err
	}

	out := JSONExport{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		SampleCount:   len(durations),
		WindowSeconds: int(percentileWindow.Seconds()),
	}
	if len(durations) > 0 {
		out.LatencyMsP50 = float64(nearestRank(durations, 0.50))
		out.LatencyMsP95 = float64(nearestRank(durations, 0.95))
		out.LatencyMsP99 = float64(nearestRank(durations, 0.99))
		out.RequestsPerMinute = float64(len(durations)) / percentileWindow.Minutes()
	}
	return out, nil
}

// nearestRank assumes sorted is already ascending. Rank is
// ceil(p*n), clamped to [1,n], 1-indexed per the classic nearest-rank
// definition.
func nearestRank(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(p * float64(n))
	if float64(rank) < p*float64(n) {
		rank++
	}
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
