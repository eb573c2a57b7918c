// Package aggregate assembles the dashboard views from the durable store
// and the live alert state.
package aggregate

import (
	"context"
	"math"
	"time"

	"github.com/keyurp7/iam-sentinel/internal/model"
	"github.com/keyurp7/iam-sentinel/internal/risk"
	"github.com/keyurp7/iam-sentinel/internal/store"
)

// Defaults for the dashboard queries.
const (
	DefaultLookback     = 24 * time.Hour
	DefaultTopActors    = 10
	DefaultRecentEvents = 100
	DefaultAlertsShown  = 10
)

// Querier is the read side of the store the engine consumes.
type Querier interface {
	Metrics(ctx context.Context, since time.Time) (store.MetricsRow, error)
	Timeline(ctx context.Context, since time.Time) ([]store.TimelineRow, error)
	TopRiskActors(ctx context.Context, since time.Time, limit int) ([]store.ActorRiskRow, error)
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]store.EventRow, error)
}

// AlertSource is the live alert state the engine consumes.
type AlertSource interface {
	Active() []*model.Alert
	ThreatLevel() model.ThreatLevel
}

// Metrics is the dashboard counter block.
type Metrics struct {
	TotalEvents    int     `json:"total_events"`
	UniqueUsers    int     `json:"unique_users"`
	AvgRiskScore   float64 `json:"avg_risk_score"`
	CriticalEvents int     `json:"critical_events"`
	HighRiskEvents int     `json:"high_risk_events"`
	ActiveAlerts   int     `json:"active_alerts"`
}

// TimelineBucket is one hour-of-day slot in the activity timeline.
type TimelineBucket struct {
	Hour    int     `json:"hour"`
	Count   int     `json:"count"`
	AvgRisk float64 `json:"avg_risk"`
}

// RiskActor is one entry in the top-risk-users ranking.
type RiskActor struct {
	User       string  `json:"user"`
	EventCount int     `json:"event_count"`
	AvgRisk    float64 `json:"avg_risk"`
}

// DashboardData is the full payload the dashboard endpoint serves. Active
// alerts are capped at the most recent few; the counters carry the full
// active count.
type DashboardData struct {
	Metrics            Metrics           `json:"metrics"`
	Timeline           []TimelineBucket  `json:"timeline"`
	TopRiskUsers       []RiskActor       `json:"top_risk_users"`
	RecentEvents       []store.EventRow  `json:"recent_events"`
	ActiveAlerts       []*model.Alert    `json:"active_alerts"`
	CurrentThreatLevel model.ThreatLevel `json:"current_threat_level"`
	GeneratedAt        time.Time         `json:"generated_at"`
}

// Engine computes dashboard aggregates over a fixed lookback window.
type Engine struct {
	querier  Querier
	alerts   AlertSource
	lookback time.Duration
	now      func() time.Time
}

// New creates an engine with the default 24h lookback.
func New(querier Querier, alerts AlertSource) *Engine {
	return &Engine{
		querier:  querier,
		alerts:   alerts,
		lookback: DefaultLookback,
		now:      time.Now,
	}
}

// NewWithClock creates an engine with an injected clock, for tests.
func NewWithClock(querier Querier, alerts AlertSource, now func() time.Time) *Engine {
	e := New(querier, alerts)
	e.now = now
	return e
}

// Metrics returns the counter block for the lookback window. An empty store
// yields zeroes.
func (e *Engine) Metrics(ctx context.Context) (Metrics, error) {
	row, err := e.querier.Metrics(ctx, e.since())
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		TotalEvents:    row.TotalEvents,
		UniqueUsers:    row.UniqueActors,
		AvgRiskScore:   round1(row.AvgRiskScore),
		CriticalEvents: row.CriticalEvents,
		HighRiskEvents: row.HighRiskEvents,
		ActiveAlerts:   len(e.alerts.Active()),
	}, nil
}

// Timeline returns hour-of-day buckets for the lookback window. Hours with
// no events are omitted.
func (e *Engine) Timeline(ctx context.Context) ([]TimelineBucket, error) {
	rows, err := e.querier.Timeline(ctx, e.since())
	if err != nil {
		return nil, err
	}
	buckets := make([]TimelineBucket, 0, len(rows))
	for _, r := range rows {
		buckets = append(buckets, TimelineBucket{
			Hour:    r.Hour,
			Count:   r.Count,
			AvgRisk: round1(r.AvgRisk),
		})
	}
	return buckets, nil
}

// TopRiskUsers ranks actors by mean risk score over the lookback window.
func (e *Engine) TopRiskUsers(ctx context.Context, limit int) ([]RiskActor, error) {
	if limit <= 0 {
		limit = DefaultTopActors
	}
	rows, err := e.querier.TopRiskActors(ctx, e.since(), limit)
	if err != nil {
		return nil, err
	}
	actors := make([]RiskActor, 0, len(rows))
	for _, r := range rows {
		actors = append(actors, RiskActor{
			User:       r.ActorLogin,
			EventCount: r.EventCount,
			AvgRisk:    round1(r.AvgRisk),
		})
	}
	return actors, nil
}

// Dashboard assembles the complete dashboard payload.
func (e *Engine) Dashboard(ctx context.Context) (*DashboardData, error) {
	metrics, err := e.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	timeline, err := e.Timeline(ctx)
	if err != nil {
		return nil, err
	}
	topUsers, err := e.TopRiskUsers(ctx, DefaultTopActors)
	if err != nil {
		return nil, err
	}
	recent, err := e.querier.RecentEvents(ctx, e.since(), DefaultRecentEvents)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		recent[i].Severity = risk.SeverityFor(recent[i].RiskScore)
	}

	active := e.alerts.Active()
	if len(active) > DefaultAlertsShown {
		active = active[:DefaultAlertsShown]
	}

	return &DashboardData{
		Metrics:            metrics,
		Timeline:           timeline,
		TopRiskUsers:       topUsers,
		RecentEvents:       recent,
		ActiveAlerts:       active,
		CurrentThreatLevel: e.alerts.ThreatLevel(),
		GeneratedAt:        e.now().UTC(),
	}, nil
}

func (e *Engine) since() time.Time {
	return e.now().Add(-e.lookback)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
