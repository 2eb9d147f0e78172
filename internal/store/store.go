// Package store is Canaria's durable, deduplicating event repository
// and the auxiliary tables (metrics rollups, request logs, rate-limit
// counters, feed events, ws client history) that sit alongside it in
// the same embedded SQLite database.
//
// Grounded on the teacher's internal/storage/sqlite.go: an idempotent
// schema migration, INSERT OR IGNORE for dedup-by-primary-key, and a
// small struct wrapping *sql.DB with parameterized queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MercuriusDream/Canaria/internal/model"
)

// Store owns the embedded SQLite connection. It is single-writer from
// the Ingest component; every other caller only reads.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline, matches spec.md §5.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the shared connection for sibling components (config,
// metrics, ratelimit) that own their own tables in the same database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			eventId TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			receiveSource TEXT NOT NULL,
			type TEXT NOT NULL,
			reportType TEXT,
			time TEXT NOT NULL,
			issueTime TEXT,
			receiveTime TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			magnitude REAL,
			depth REAL,
			intensity REAL,
			region TEXT,
			advisory TEXT,
			revision TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE TABLE IF NOT EXISTS requestLogs (
			ts TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			status INTEGER NOT NULL,
			durationMs INTEGER NOT NULL,
			ip TEXT,
			userAgent TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requestLogs_ts ON requestLogs(ts)`,
		`CREATE TABLE IF NOT EXISTS metricsRollup (
			ts TEXT NOT NULL,
			intervalSeconds INTEGER NOT NULL,
			metricName TEXT NOT NULL,
			labels TEXT NOT NULL,
			value REAL NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (ts, intervalSeconds, metricName, labels)
		)`,
		`CREATE TABLE IF NOT EXISTS rateLimits (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			windowStart INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feedEvents (
			ts TEXT NOT NULL,
			feed TEXT NOT NULL,
			event TEXT NOT NULL,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedEvents_ts ON feedEvents(ts)`,
		`CREATE TABLE IF NOT EXISTS wsClientHistory (
			ts TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return migrateAdditiveColumns(s.db)
}

// migrateAdditiveColumns tolerates pre-existing columns: ALTER TABLE ...
// ADD COLUMN errors on a column that already exists, which here just
// means an earlier version of the schema already had it.
func migrateAdditiveColumns(db *sql.DB) error {
	additions := []string{
		`ALTER TABLE events ADD COLUMN revision TEXT`,
	}
	for _, stmt := range additions {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			// modernc.org/sqlite surfaces this as a generic error string;
			// tolerate it the same way rather than failing startup.
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			return fmt.Errorf("store: additive migration: %w", err)
		}
	}
	return nil
}

// Insert performs one transactional batch of idempotent inserts keyed
// on eventId, and returns the count of rows that actually materialized
// (duplicates are silently skipped, never overwritten).
func (s *Store) Insert(ctx context.Context, events []model.Event) (int, error) {
	inserted, err := s.InsertNew(ctx, events)
	return len(inserted), err
}

// InsertNew performs the same transactional, idempotent batch insert as
// Insert, but returns the subset of events that actually materialized
// as new rows (in input order) rather than just their count. Ingest
// uses this to avoid re-signing and re-broadcasting events that were
// silently deduplicated, e.g. a backfill re-fetch overlapping already-
// persisted rows after a reconnect (spec.md §8 scenario 4).
func (s *Store) InsertNew(ctx context.Context, events []model.Event) ([]model.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO events(
	eventId, source, receiveSource, type, reportType, time, issueTime, receiveTime,
	latitude, longitude, magnitude, depth, intensity, region, advisory, revision
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted []model.Event
	for _, e := range events {
		if strings.TrimSpace(e.EventID) == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx,
			e.EventID, string(e.Source), e.ReceiveSource, e.Type, nullableStr(e.ReportType),
			normalizeUTC(e.Time), nullableStr(e.IssueTime), normalizeUTC(e.ReceiveTime),
			nullableFloat(e.Latitude), nullableFloat(e.Longitude), nullableFloat(e.Magnitude),
			nullableFloat(e.Depth), nullableFloat(e.Intensity),
			nullableStr(e.Region), nullableStr(e.Advisory), nullableStr(e.Revision),
		)
		if err != nil {
			return inserted, fmt.Errorf("store: insert event %s: %w", e.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("store: rows affected: %w", err)
		}
		if n > 0 {
			inserted = append(inserted, e)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return inserted, nil
}

// Latest returns the most recent event by time, or nil if the store is
// empty.
func (s *Store) Latest(ctx context.Context) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY time DESC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest: %w", err)
	}
	return e, nil
}

// Oldest returns the oldest event by time, or nil if the store is
// empty.
func (s *Store) Oldest(ctx context.Context) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY time ASC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: oldest: %w", err)
	}
	return e, nil
}

// Query carries the optional AND-combined filters for List.
type Query struct {
	Since  string
	Until  string
	Source string
	Type   string
	Limit  int
}

// List returns events matching the optional since/until/source/type
// filters, ordered by time descending, default limit 20.
func (s *Store) List(ctx context.Context, q Query) ([]model.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var where []string
	var args []any
	if q.Since != "" {
		where = append(where, "time >= ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		where = append(where, "time <= ?")
		args = append(args, q.Until)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}

	sqlStr := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	sqlStr += " ORDER BY time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the total number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// CountBySource returns the number of stored events for one source.
func (s *Store) CountBySource(ctx context.Context, src model.Source) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE source = ?`, string(src)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: countBySource: %w", err)
	}
	return n, nil
}

// TableStats reports row counts for every table the store owns;
// surfaced via the admin dashboard.
func (s *Store) TableStats(ctx context.Context) (map[string]int, error) {
	tables := []string{"events", "requestLogs", "metricsRollup", "rateLimits", "feedEvents", "wsClientHistory"}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("store: tableStats(%s): %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// DeleteOlderThan removes events whose time is older than daysOld days
// ago, returning the number of rows removed.
func (s *Store) DeleteOlderThan(ctx context.Context, daysOld int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: deleteOlderThan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deleteOlderThan rows affected: %w", err)
	}
	return int(n), nil
}

// CountSince returns the number of events whose time is at or after
// since, used by the admin dashboard's 5-minute event-rate estimate.
func (s *Store) CountSince(ctx context.Context, since string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE time >= ?`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: countSince: %w", err)
	}
	return n, nil
}

// CountRequestsByStatus returns the number of logged requests with the
// given HTTP status, used for the dashboard's total-429s figure.
func (s *Store) CountRequestsByStatus(ctx context.Context, status int) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requestLogs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: countRequestsByStatus: %w", err)
	}
	return n, nil
}

// ClientCountSample is one minute-bucket of internal/metrics'
// RecordWSClientCount history.
type ClientCountSample struct {
	Minute string `json:"minute"`
	Count  int    `json:"count"`
}

// RecentClientCounts returns up to limit of the most recent ws client
// count minute-buckets, oldest first.
func (s *Store) RecentClientCounts(ctx context.Context, limit int) ([]ClientCountSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, count FROM wsClientHistory ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recentClientCounts: %w", err)
	}
	defer rows.Close()

	var out []ClientCountSample
	for rows.Next() {
		var s ClientCountSample
		if err := rows.Scan(&s.Minute, &s.Count); err != nil {
			return nil, fmt.Errorf("store: recentClientCounts scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological (oldest-first) order for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const eventColumns = `eventId, source, receiveSource, type, reportType, time, issueTime, receiveTime,
	latitude, longitude, magnitude, depth, intensity, region, advisory, revision`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (*model.Event, error) {
	return scanEventRow(row)
}

func scanEventRow(row scanner) (*model.Event, error) {
	return scanEventRows(row)
}

func scanEventRows(row scanner) (*model.Event, error) {
	var e model.Event
	var source, reportType, issueTime, region, advisory, revision sql.NullString
	var lat, lon, mag, depth, intensity sql.NullFloat64

	err := row.Scan(
		&e.EventID, &source, &e.ReceiveSource, &e.Type, &reportType, &e.Time, &issueTime, &e.ReceiveTime,
		&lat, &lon, &mag, &depth, &intensity, &region, &advisory, &revision,
	)
	if err != nil {
		return nil, err
	}

	e.Source = model.Source(source.String)
	e.ReportType = nullToStrPtr(reportType)
	e.IssueTime = nullToStrPtr(issueTime)
	e.Region = nullToStrPtr(region)
	e.Advisory = nullToStrPtr(advisory)
	e.Revision = nullToStrPtr(revision)
	e.Latitude = nullToFloatPtr(lat)
	e.Longitude = nullToFloatPtr(lon)
	e.Magnitude = nullToFloatPtr(mag)
	e.Depth = nullToFloatPtr(depth)
	e.Intensity = nullToFloatPtr(intensity)
	return &e, nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullToStrPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullToFloatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// normalizeUTC parses a timestamp leniently and re-renders it as UTC
// ISO-8601/RFC3339Nano; empty/unparseable input is passed through so
// callers that already normalized upstream aren't penalized.
func normalizeUTC(s string) string {
	if s == "" {
		return s
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999Z0700", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return s
}
