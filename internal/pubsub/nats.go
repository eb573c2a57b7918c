// Package pubsub fans processed events and raised alerts out to downstream
// consumers. Every publish is best-effort: a failed delivery is logged and
// counted, never allowed to stall the ingest path.
package pubsub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// Subjects for downstream consumers.
const (
	SubjectEvents  = "sentinel.events"
	SubjectAlerts  = "sentinel.alerts"
	SubjectMetrics = "sentinel.metrics"
)

// EventPublisher delivers processed events downstream.
type EventPublisher interface {
	PublishEvent(ev *model.SecurityEvent) error
}

// AlertPublisher delivers raised alerts downstream.
type AlertPublisher interface {
	PublishAlert(a *model.Alert) error
}

// NATSPublisher publishes events and alerts on the message bus.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, logger: logger}
}

// PublishEvent sends the processed event on sentinel.events.
func (p *NATSPublisher) PublishEvent(ev *model.SecurityEvent) error {
	return p.publish(SubjectEvents, ev.ID, string(ev.Severity), ev)
}

// PublishAlert sends the alert on sentinel.alerts.
func (p *NATSPublisher) PublishAlert(a *model.Alert) error {
	return p.publish(SubjectAlerts, a.ID, string(a.Severity), a)
}

// PublishMetrics broadcasts a dashboard metrics snapshot on sentinel.metrics.
func (p *NATSPublisher) PublishMetrics(snapshot any) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	msg := nats.NewMsg(SubjectMetrics)
	msg.Data = data
	msg.Header.Set("published_at", time.Now().UTC().Format(time.RFC3339))
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", SubjectMetrics, err)
	}
	return nil
}

func (p *NATSPublisher) publish(subject, id, severity string, payload any) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("id", id)
	msg.Header.Set("severity", severity)
	msg.Header.Set("published_at", time.Now().UTC().Format(time.RFC3339))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.logger.Debug("published message", "subject", subject, "id", id)
	return nil
}
