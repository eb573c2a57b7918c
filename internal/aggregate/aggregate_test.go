package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyurp7/iam-sentinel/internal/model"
	"github.com/keyurp7/iam-sentinel/internal/store"
)

type fakeQuerier struct {
	metrics  store.MetricsRow
	timeline []store.TimelineRow
	actors   []store.ActorRiskRow
	recent   []store.EventRow

	sinceSeen time.Time
	limitSeen int
}

func (f *fakeQuerier) Metrics(_ context.Context, since time.Time) (store.MetricsRow, error) {
	f.sinceSeen = since
	return f.metrics, nil
}

func (f *fakeQuerier) Timeline(_ context.Context, _ time.Time) ([]store.TimelineRow, error) {
	return f.timeline, nil
}

func (f *fakeQuerier) TopRiskActors(_ context.Context, _ time.Time, limit int) ([]store.ActorRiskRow, error) {
	f.limitSeen = limit
	return f.actors, nil
}

func (f *fakeQuerier) RecentEvents(_ context.Context, _ time.Time, limit int) ([]store.EventRow, error) {
	return f.recent, nil
}

type fakeAlerts struct {
	active []*model.Alert
}

func (f *fakeAlerts) Active() []*model.Alert         { return f.active }
func (f *fakeAlerts) ThreatLevel() model.ThreatLevel { return model.ThreatLevelFor(len(f.active)) }

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testEngine(q Querier, a AlertSource) *Engine {
	return NewWithClock(q, a, func() time.Time { return testNow })
}

func TestMetrics_RoundsAverage(t *testing.T) {
	q := &fakeQuerier{metrics: store.MetricsRow{
		TotalEvents:    7,
		UniqueActors:   3,
		AvgRiskScore:   3.14159,
		CriticalEvents: 1,
		HighRiskEvents: 2,
	}}
	alerts := &fakeAlerts{active: []*model.Alert{{ID: "a1"}}}

	m, err := testEngine(q, alerts).Metrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, m.TotalEvents)
	assert.Equal(t, 3, m.UniqueUsers)
	assert.Equal(t, 3.1, m.AvgRiskScore)
	assert.Equal(t, 1, m.CriticalEvents)
	assert.Equal(t, 2, m.HighRiskEvents)
	assert.Equal(t, 1, m.ActiveAlerts)

	// The lookback window is 24h ending now.
	assert.Equal(t, testNow.Add(-24*time.Hour), q.sinceSeen)
}

func TestMetrics_EmptyStore(t *testing.T) {
	m, err := testEngine(&fakeQuerier{}, &fakeAlerts{}).Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Metrics{}, m)
}

func TestTimeline(t *testing.T) {
	q := &fakeQuerier{timeline: []store.TimelineRow{
		{Hour: 9, Count: 2, AvgRisk: 3.0},
		{Hour: 14, Count: 1, AvgRisk: 6.66},
	}}

	buckets, err := testEngine(q, &fakeAlerts{}).Timeline(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, TimelineBucket{Hour: 9, Count: 2, AvgRisk: 3.0}, buckets[0])
	assert.Equal(t, TimelineBucket{Hour: 14, Count: 1, AvgRisk: 6.7}, buckets[1])
}

func TestTopRiskUsers_DefaultLimit(t *testing.T) {
	q := &fakeQuerier{actors: []store.ActorRiskRow{
		{ActorLogin: "bob@example.com", EventCount: 1, AvgRisk: 8},
		{ActorLogin: "alice@example.com", EventCount: 2, AvgRisk: 3},
	}}

	actors, err := testEngine(q, &fakeAlerts{}).TopRiskUsers(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopActors, q.limitSeen)
	require.Len(t, actors, 2)
	assert.Equal(t, "bob@example.com", actors[0].User)
}

func TestDashboard_AssemblesAllSections(t *testing.T) {
	q := &fakeQuerier{
		metrics:  store.MetricsRow{TotalEvents: 1, UniqueActors: 1, AvgRiskScore: 9},
		timeline: []store.TimelineRow{{Hour: 3, Count: 1, AvgRisk: 9}},
		actors:   []store.ActorRiskRow{{ActorLogin: "eve@example.com", EventCount: 1, AvgRisk: 9}},
		recent:   []store.EventRow{{Kind: "user.session.start", ActorLogin: "eve@example.com", RiskScore: 9}},
	}
	alerts := &fakeAlerts{active: []*model.Alert{
		{ID: "a1"}, {ID: "a2"}, {ID: "a3"},
	}}

	data, err := testEngine(q, alerts).Dashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, data.Metrics.TotalEvents)
	assert.Len(t, data.Timeline, 1)
	assert.Len(t, data.TopRiskUsers, 1)
	assert.Len(t, data.ActiveAlerts, 3)
	assert.Equal(t, model.ThreatHigh, data.CurrentThreatLevel)
	assert.Equal(t, testNow, data.GeneratedAt)

	// Severity is derived from the stored score on the way out.
	require.Len(t, data.RecentEvents, 1)
	assert.Equal(t, model.SeverityCritical, data.RecentEvents[0].Severity)
}

func TestDashboard_CapsActiveAlerts(t *testing.T) {
	var active []*model.Alert
	for i := 0; i < DefaultAlertsShown+3; i++ {
		active = append(active, &model.Alert{ID: fmt.Sprintf("a%d", i)})
	}

	data, err := testEngine(&fakeQuerier{}, &fakeAlerts{active: active}).Dashboard(context.Background())
	require.NoError(t, err)

	assert.Len(t, data.ActiveAlerts, DefaultAlertsShown)
	// The counter block still reports the full active count.
	assert.Equal(t, DefaultAlertsShown+3, data.Metrics.ActiveAlerts)
}
