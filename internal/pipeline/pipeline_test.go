package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyurp7/iam-sentinel/internal/alerts"
	"github.com/keyurp7/iam-sentinel/internal/detect"
	"github.com/keyurp7/iam-sentinel/internal/metrics"
	"github.com/keyurp7/iam-sentinel/internal/model"
	"github.com/keyurp7/iam-sentinel/internal/normalize"
	"github.com/keyurp7/iam-sentinel/internal/risk"
	"github.com/keyurp7/iam-sentinel/internal/window"
)

func newTestPipeline(t *testing.T) (*Pipeline, *alerts.Manager) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := alerts.New(nil, nil, logger)

	scorer, err := risk.NewScorer(risk.DefaultConfig())
	require.NoError(t, err)

	p, err := New(Config{
		Scorer:   scorer,
		Window:   window.New(window.DefaultCapacity),
		Detector: detect.New(),
		Alerts:   mgr,
		Metrics:  metrics.NewWithRegisterer(prometheus.NewRegistry()),
		Logger:   logger,
	})
	require.NoError(t, err)
	return p, mgr
}

func authFailurePayload(id string, at time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"uuid": %q,
		"eventType": "user.authentication.auth_failure",
		"published": %q,
		"actor": {"id": "u1", "alternateId": "alice@example.com"},
		"client": {"ipAddress": "203.0.113.7"},
		"outcome": {"result": "FAILURE"}
	}`, id, at.UTC().Format(time.RFC3339)))
}

func TestProcess_ScoresAndStoresEvent(t *testing.T) {
	p, _ := newTestPipeline(t)

	ev, raised, err := p.Process(context.Background(), authFailurePayload("f1", time.Now()))
	require.NoError(t, err)

	// Base weight 2 for an auth failure, multiplied 1.5 for the failure
	// outcome: floor(3.0) = 3, medium.
	assert.Equal(t, 3, ev.RiskScore)
	assert.Equal(t, model.SeverityMedium, ev.Severity)
	assert.Equal(t, "alice@example.com", ev.ActorLogin)
	assert.Empty(t, raised)
}

func TestProcess_ThirdFailureRaisesAlert(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	_, raised, err := p.Process(ctx, authFailurePayload("f1", now.Add(-2*time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, raised)

	_, raised, err = p.Process(ctx, authFailurePayload("f2", now.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, raised)

	_, raised, err = p.Process(ctx, authFailurePayload("f3", now))
	require.NoError(t, err)
	require.Len(t, raised, 1)

	alert := raised[0]
	assert.Equal(t, model.AnomalyMultipleFailedAttempts, alert.Kind)
	assert.Equal(t, model.SeverityHigh, alert.Severity)
	assert.Equal(t, "Security Alert: Multiple Failed Attempts", alert.Title)
	assert.Equal(t, "f3", alert.TriggeringEventID)

	assert.Equal(t, model.ThreatMedium, mgr.ThreatLevel())
}

func TestProcess_RedeliveryIsIdempotent(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"f1", "f2", "f3"} {
		_, _, err := p.Process(ctx, authFailurePayload(id, now))
		require.NoError(t, err)
	}
	require.Equal(t, 1, mgr.ActiveCount())

	// Re-sending an already seen payload must not re-detect.
	ev, raised, err := p.Process(ctx, authFailurePayload("f3", now))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Empty(t, raised)
	assert.Equal(t, 1, mgr.ActiveCount())
	assert.Equal(t, 3, p.window.Len())
}

func TestProcess_MalformedPayload(t *testing.T) {
	p, _ := newTestPipeline(t)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "not json", raw: []byte("not json at all")},
		{name: "missing kind", raw: []byte(`{"uuid": "x"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.Process(context.Background(), tt.raw)
			var malformed *normalize.MalformedEventError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestProcess_OffHoursUsesSourceLocalHour(t *testing.T) {
	p, _ := newTestPipeline(t)

	raw := []byte(`{
		"uuid": "tz1",
		"eventType": "user.login.success",
		"published": "2026-03-14T23:30:00+09:00",
		"actor": {"id": "u1", "alternateId": "alice@example.com"},
		"client": {"ipAddress": "203.0.113.7"},
		"outcome": {"result": "SUCCESS"}
	}`)

	ev, raised, err := p.Process(context.Background(), raw)
	require.NoError(t, err)

	// 23:30 local to the event is off-hours regardless of the UTC instant.
	assert.Equal(t, 23, ev.OccurredAt.Hour())
	require.Len(t, raised, 1)
	assert.Equal(t, model.AnomalyOffHoursAccess, raised[0].Kind)
	assert.Equal(t, model.SeverityLow, raised[0].Severity)
}

func TestProcess_HighRiskEventRaisesCriticalAlert(t *testing.T) {
	p, _ := newTestPipeline(t)

	raw := []byte(fmt.Sprintf(`{
		"uuid": "hr1",
		"eventType": "user.behavior.suspicious_activity",
		"published": %q,
		"actor": {"id": "u9", "alternateId": "eve@example.com"},
		"client": {"ipAddress": "203.0.113.9"},
		"outcome": {"result": "SUCCESS"}
	}`, time.Now().UTC().Format(time.RFC3339)))

	ev, raised, err := p.Process(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, 8, ev.RiskScore)
	assert.Equal(t, model.SeverityCritical, ev.Severity)
	require.Len(t, raised, 1)
	assert.Equal(t, model.AnomalyHighRiskEvent, raised[0].Kind)
	assert.Equal(t, model.SeverityCritical, raised[0].Severity)
}
