// Package store persists events and alerts in SQLite and answers the
// windowed aggregate queries the dashboard is built from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// timeLayout is how timestamps are stored. RFC3339 in UTC keeps SQLite's
// datetime functions and plain string comparison both usable.
const timeLayout = time.RFC3339

// SQLite is the durable event/alert store.
type SQLite struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	// Pre-create the file: some environments allow opening an existing
	// SQLite file but not creating one, which surfaces as SQLITE_CANTOPEN.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("precreate sqlite db %s: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	actor_id    TEXT,
	actor_login TEXT,
	occurred_at TEXT,
	source_ip   TEXT,
	user_agent  TEXT,
	location    TEXT,
	risk_score  INTEGER,
	raw         TEXT,
	processed   INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, occurred_at);

CREATE TABLE IF NOT EXISTS alerts (
	id                  TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	severity            TEXT NOT NULL,
	title               TEXT,
	description         TEXT,
	actor_id            TEXT,
	triggering_event_id TEXT,
	created_at          TEXT,
	resolved_at         TEXT,
	status              TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertEvent inserts the event or, if the id was seen before, replaces the
// stored row. Re-delivery of an event id is therefore idempotent.
func (s *SQLite) UpsertEvent(ctx context.Context, ev *model.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (id, kind, actor_id, actor_login, occurred_at, source_ip, user_agent, location, risk_score, raw, processed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	kind        = excluded.kind,
	actor_id    = excluded.actor_id,
	actor_login = excluded.actor_login,
	occurred_at = excluded.occurred_at,
	source_ip   = excluded.source_ip,
	user_agent  = excluded.user_agent,
	location    = excluded.location,
	risk_score  = excluded.risk_score,
	raw         = excluded.raw,
	processed   = 1`,
		ev.ID, ev.Kind, ev.ActorID, ev.ActorLogin,
		ev.OccurredAt.UTC().Format(timeLayout),
		ev.SourceIP, ev.UserAgent, ev.Location.String(),
		ev.RiskScore, string(ev.Raw),
	)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}
	return nil
}

// InsertAlert appends a new alert row.
func (s *SQLite) InsertAlert(ctx context.Context, a *model.Alert) error {
	var resolvedAt any
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, kind, severity, title, description, actor_id, triggering_event_id, created_at, resolved_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), string(a.Severity), a.Title, a.Description,
		a.ActorID, a.TriggeringEventID,
		a.CreatedAt.UTC().Format(timeLayout), resolvedAt, string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// MarkAlertResolved flips an alert to resolved. Already-resolved rows are
// left untouched; resolution is monotonic.
func (s *SQLite) MarkAlertResolved(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(model.AlertResolved), at.UTC().Format(timeLayout), id, string(model.AlertActive),
	)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	return nil
}

// EventRow is a stored event projection for dashboard listings.
type EventRow struct {
	Kind       string         `json:"type"`
	ActorLogin string         `json:"user"`
	OccurredAt time.Time      `json:"timestamp"`
	SourceIP   string         `json:"ip"`
	Location   string         `json:"location"`
	RiskScore  int            `json:"risk_score"`
	Severity   model.Severity `json:"severity"`
}

// RecentEvents lists events since the cutoff, newest first, capped at limit.
// Severity is left for the caller to derive from the score.
func (s *SQLite) RecentEvents(ctx context.Context, since time.Time, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, actor_login, occurred_at, source_ip, location, risk_score
FROM events
WHERE occurred_at >= ?
ORDER BY occurred_at DESC
LIMIT ?`, since.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var occurredAt string
		if err := rows.Scan(&r.Kind, &r.ActorLogin, &occurredAt, &r.SourceIP, &r.Location, &r.RiskScore); err != nil {
			return nil, err
		}
		r.OccurredAt, _ = time.Parse(timeLayout, occurredAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MetricsRow is the aggregate counters over an event window.
type MetricsRow struct {
	TotalEvents    int
	UniqueActors   int
	AvgRiskScore   float64
	CriticalEvents int
	HighRiskEvents int
}

// Metrics computes the aggregate counters for events since the cutoff.
// An empty store yields zeroes, never an error.
func (s *SQLite) Metrics(ctx context.Context, since time.Time) (MetricsRow, error) {
	var m MetricsRow
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COUNT(DISTINCT actor_id),
	AVG(risk_score),
	SUM(CASE WHEN risk_score >= 8 THEN 1 ELSE 0 END),
	SUM(CASE WHEN risk_score >= 5 THEN 1 ELSE 0 END)
FROM events
WHERE occurred_at >= ?`, since.UTC().Format(timeLayout)).
		Scan(&m.TotalEvents, &m.UniqueActors, &avg,
			nullInt{&m.CriticalEvents}, nullInt{&m.HighRiskEvents})
	if err != nil {
		return MetricsRow{}, fmt.Errorf("query metrics: %w", err)
	}
	m.AvgRiskScore = avg.Float64
	return m, nil
}

// TimelineRow is one hour-of-day bucket of the event timeline.
type TimelineRow struct {
	Hour    int
	Count   int
	AvgRisk float64
}

// Timeline buckets events since the cutoff by UTC hour of day.
func (s *SQLite) Timeline(ctx context.Context, since time.Time) ([]TimelineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT CAST(strftime('%H', occurred_at) AS INTEGER) AS hour, COUNT(*), AVG(risk_score)
FROM events
WHERE occurred_at >= ?
GROUP BY hour
ORDER BY hour`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var r TimelineRow
		if err := rows.Scan(&r.Hour, &r.Count, &r.AvgRisk); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActorRiskRow is one actor in the top-risk ranking.
type ActorRiskRow struct {
	ActorLogin string
	EventCount int
	AvgRisk    float64
}

// TopRiskActors ranks actors since the cutoff by mean risk score, ties
// broken by event count, capped at limit.
func (s *SQLite) TopRiskActors(ctx context.Context, since time.Time, limit int) ([]ActorRiskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT actor_login, COUNT(*) AS event_count, AVG(risk_score) AS avg_risk
FROM events
WHERE occurred_at >= ?
GROUP BY actor_login
ORDER BY avg_risk DESC, event_count DESC
LIMIT ?`, since.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query top risk actors: %w", err)
	}
	defer rows.Close()

	var out []ActorRiskRow
	for rows.Next() {
		var r ActorRiskRow
		if err := rows.Scan(&r.ActorLogin, &r.EventCount, &r.AvgRisk); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEvents returns the total number of stored events.
func (s *SQLite) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// PruneBefore deletes events and alerts older than the cutoff. Runs as a
// single bounded statement per table so no application lock is held across
// a store scan.
func (s *SQLite) PruneBefore(ctx context.Context, cutoff time.Time) (events int64, alerts int64, err error) {
	ts := cutoff.UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, ts)
	if err != nil {
		return 0, 0, fmt.Errorf("prune events: %w", err)
	}
	events, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, ts)
	if err != nil {
		return events, 0, fmt.Errorf("prune alerts: %w", err)
	}
	alerts, _ = res.RowsAffected()
	return events, alerts, nil
}

// nullInt scans a nullable integer aggregate (SUM over zero rows is NULL)
// into an int, defaulting to zero.
type nullInt struct {
	dst *int
}

func (n nullInt) Scan(value any) error {
	if value == nil {
		*n.dst = 0
		return nil
	}
	switch v := value.(type) {
	case int64:
		*n.dst = int(v)
	case float64:
		*n.dst = int(v)
	default:
		return fmt.Errorf("unexpected aggregate type %T", value)
	}
	return nil
}
