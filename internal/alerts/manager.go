// Package alerts owns the alert lifecycle: anomalies come in, durable alerts
// go out, and stale actives are swept to resolved on a schedule.
package alerts

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyurp7/iam-sentinel/internal/metrics"
	"github.com/keyurp7/iam-sentinel/internal/model"
)

// DefaultRetention is how long an alert stays active before the sweeper
// resolves it.
const DefaultRetention = 24 * time.Hour

// Store is the slice of persistence the manager needs.
type Store interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	MarkAlertResolved(ctx context.Context, id string, at time.Time) error
}

// Notifier delivers raised alerts to downstream sinks.
type Notifier interface {
	PublishAlert(a *model.Alert) error
}

// Manager keeps the in-memory active set and mirrors lifecycle transitions
// to the store and notifier, both best-effort. Alerts handed out to callers
// are never written again: Active returns copies, and resolution builds a
// resolved copy instead of mutating the shared struct.
type Manager struct {
	store     Store
	notifier  Notifier
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*model.Alert
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithRetention overrides the active-alert retention.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics wires the alert lifecycle counters and the active-alerts gauge.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New creates a manager. store and notifier may be nil; the manager then
// runs in-memory only.
func New(store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		notifier:  notifier,
		retention: DefaultRetention,
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]*model.Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Raise converts an anomaly into a durable active alert. Persistence and
// notification are best-effort; the alert is active in memory regardless.
func (m *Manager) Raise(ctx context.Context, anomaly model.Anomaly) *model.Alert {
	alert := &model.Alert{
		ID:                "alert-" + uuid.NewString(),
		Kind:              anomaly.Kind,
		Severity:          anomaly.Severity,
		Title:             "Security Alert: " + titleForKind(anomaly.Kind),
		Description:       anomaly.Description,
		ActorID:           anomaly.ActorID,
		TriggeringEventID: anomaly.TriggeringEventID,
		CreatedAt:         m.now().UTC(),
		Status:            model.AlertActive,
	}

	m.mu.Lock()
	m.active[alert.ID] = alert
	activeCount := len(m.active)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsRaised.Inc()
		m.metrics.ActiveAlerts.Set(float64(activeCount))
	}

	if m.store != nil {
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			m.logger.Warn("failed to persist alert", "alert_id", alert.ID, "error", err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.PublishAlert(alert); err != nil {
			m.logger.Warn("failed to publish alert", "alert_id", alert.ID, "error", err)
		}
	}

	m.logger.Info("alert raised",
		"alert_id", alert.ID,
		"kind", string(alert.Kind),
		"severity", string(alert.Severity),
		"actor_id", alert.ActorID,
	)
	return alert
}

// Resolve marks a single active alert resolved. Returns false when the id
// is unknown or already resolved.
func (m *Manager) Resolve(ctx context.Context, id string) bool {
	now := m.now().UTC()

	m.mu.Lock()
	_, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	activeCount := len(m.active)
	m.mu.Unlock()

	if !ok {
		return false
	}

	if m.metrics != nil {
		m.metrics.AlertsResolved.Inc()
		m.metrics.ActiveAlerts.Set(float64(activeCount))
	}
	if m.store != nil {
		if err := m.store.MarkAlertResolved(ctx, id, now); err != nil {
			m.logger.Warn("failed to persist alert resolution", "alert_id", id, "error", err)
		}
	}
	m.logger.Info("alert resolved", "alert_id", id)
	return true
}

// Sweep resolves every active alert older than the retention and returns
// resolved copies. The structs published at raise time are left untouched,
// so callers still holding them never observe a concurrent write. Store
// writes happen outside the lock.
func (m *Manager) Sweep(ctx context.Context) []*model.Alert {
	now := m.now().UTC()
	cutoff := now.Add(-m.retention)

	m.mu.Lock()
	var expired []*model.Alert
	for id, alert := range m.active {
		if alert.CreatedAt.Before(cutoff) {
			delete(m.active, id)

			resolved := *alert
			resolved.Status = model.AlertResolved
			resolvedAt := now
			resolved.ResolvedAt = &resolvedAt
			expired = append(expired, &resolved)
		}
	}
	activeCount := len(m.active)
	m.mu.Unlock()

	for _, alert := range expired {
		if m.store != nil {
			if err := m.store.MarkAlertResolved(ctx, alert.ID, now); err != nil {
				m.logger.Warn("failed to persist alert resolution", "alert_id", alert.ID, "error", err)
			}
		}
	}

	if len(expired) > 0 {
		if m.metrics != nil {
			m.metrics.AlertsResolved.Add(float64(len(expired)))
			m.metrics.ActiveAlerts.Set(float64(activeCount))
		}
		m.logger.Info("swept expired alerts", "count", len(expired))
	}
	return expired
}

// Active returns copies of the active alerts, newest first. Copies keep
// readers serializing a response safe from lifecycle writes.
func (m *Manager) Active() []*model.Alert {
	m.mu.Lock()
	out := make([]*model.Alert, 0, len(m.active))
	for _, alert := range m.active {
		c := *alert
		out = append(out, &c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of active alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ThreatLevel derives the current threat level from the active-alert count.
func (m *Manager) ThreatLevel() model.ThreatLevel {
	return model.ThreatLevelFor(m.ActiveCount())
}

// titleForKind renders an anomaly kind as a title, "high_risk_event"
// becoming "High Risk Event".
func titleForKind(kind model.AnomalyKind) string {
	words := strings.Split(string(kind), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
