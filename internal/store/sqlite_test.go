package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedEvent(id, actor string, at time.Time, score int) *model.SecurityEvent {
	return &model.SecurityEvent{
		ID:         id,
		Kind:       "user.session.start",
		ActorID:    actor,
		ActorLogin: actor + "@example.com",
		OccurredAt: at,
		SourceIP:   "203.0.113.7",
		Location:   model.Location{City: "Berlin", Country: "DE"},
		RiskScore:  score,
	}
}

func TestUpsertEvent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	ev := storedEvent("evt-1", "alice", now, 3)
	require.NoError(t, s.UpsertEvent(ctx, ev))

	// Re-delivery with a changed score replaces the row, not appends.
	ev.RiskScore = 5
	require.NoError(t, s.UpsertEvent(ctx, ev))

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.RecentEvents(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 5, rows[0].RiskScore)
}

func TestMetrics_EmptyStoreIsZero(t *testing.T) {
	s := newTestStore(t)

	m, err := s.Metrics(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, MetricsRow{}, m)
}

func TestMetrics_Aggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e1", "alice", now, 2)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e2", "alice", now, 8)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e3", "bob", now, 5)))
	// Outside the window, must not count.
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e4", "carol", now.Add(-48*time.Hour), 9)))

	m, err := s.Metrics(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalEvents)
	assert.Equal(t, 2, m.UniqueActors)
	assert.Equal(t, 1, m.CriticalEvents)
	assert.Equal(t, 2, m.HighRiskEvents)
	assert.InDelta(t, 5.0, m.AvgRiskScore, 0.001)
}

func TestTimeline_BucketsByHour(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e1", "alice", day.Add(9*time.Hour), 2)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e2", "alice", day.Add(9*time.Hour+30*time.Minute), 4)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("e3", "bob", day.Add(14*time.Hour), 6)))

	rows, err := s.Timeline(ctx, day)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 9, rows[0].Hour)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, 3.0, rows[0].AvgRisk, 0.001)

	assert.Equal(t, 14, rows[1].Hour)
	assert.Equal(t, 1, rows[1].Count)
}

func TestTopRiskActors_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertEvent(ctx, storedEvent("a1", "alice", now, 2)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("a2", "alice", now, 4)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("b1", "bob", now, 8)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("c1", "carol", now, 1)))

	rows, err := s.TopRiskActors(ctx, now.Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "bob@example.com", rows[0].ActorLogin)
	assert.InDelta(t, 8.0, rows[0].AvgRisk, 0.001)
	assert.Equal(t, "alice@example.com", rows[1].ActorLogin)
	assert.Equal(t, 2, rows[1].EventCount)
}

func TestAlerts_InsertAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := &model.Alert{
		ID:                "alert-1",
		Kind:              model.AnomalyHighRiskEvent,
		Severity:          model.SeverityCritical,
		Title:             "Security Alert: High Risk Event",
		Description:       "High-risk security event detected (score: 9)",
		ActorID:           "u1",
		TriggeringEventID: "evt-9",
		CreatedAt:         now,
		Status:            model.AlertActive,
	}
	require.NoError(t, s.InsertAlert(ctx, a))
	require.NoError(t, s.MarkAlertResolved(ctx, "alert-1", now.Add(time.Hour)))

	// Resolving twice is a no-op, not an error.
	require.NoError(t, s.MarkAlertResolved(ctx, "alert-1", now.Add(2*time.Hour)))
}

func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertEvent(ctx, storedEvent("old", "alice", now.Add(-40*24*time.Hour), 3)))
	require.NoError(t, s.UpsertEvent(ctx, storedEvent("new", "alice", now, 3)))
	require.NoError(t, s.InsertAlert(ctx, &model.Alert{
		ID: "stale", Kind: model.AnomalyRapidEvents, Severity: model.SeverityMedium,
		CreatedAt: now.Add(-40 * 24 * time.Hour), Status: model.AlertResolved,
	}))

	events, alerts, err := s.PruneBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)
	assert.Equal(t, int64(1), alerts)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
