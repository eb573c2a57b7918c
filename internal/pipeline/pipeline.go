// Package pipeline is the ingest path: normalize, score, remember, detect,
// alert, publish. One Process call per inbound payload.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keyurp7/iam-sentinel/internal/alerts"
	"github.com/keyurp7/iam-sentinel/internal/detect"
	"github.com/keyurp7/iam-sentinel/internal/metrics"
	"github.com/keyurp7/iam-sentinel/internal/model"
	"github.com/keyurp7/iam-sentinel/internal/normalize"
	"github.com/keyurp7/iam-sentinel/internal/pubsub"
	"github.com/keyurp7/iam-sentinel/internal/risk"
	"github.com/keyurp7/iam-sentinel/internal/window"
)

const (
	// seenCacheSize bounds the re-delivery dedup cache.
	seenCacheSize = 4096

	// storeTimeout bounds each best-effort store write so a slow disk
	// cannot stall ingest.
	storeTimeout = 2 * time.Second
)

// EventStore is the slice of persistence the pipeline writes to.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev *model.SecurityEvent) error
}

// Pipeline wires the processing stages together. Safe for concurrent use;
// each stage carries its own synchronization.
type Pipeline struct {
	scorer    *risk.Scorer
	window    *window.Window
	detector  *detect.Detector
	alerts    *alerts.Manager
	store     EventStore
	publisher pubsub.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	seen      *lru.Cache[string, time.Time]
}

// Config collects the pipeline's collaborators. Store and Publisher may be
// nil; the pipeline then degrades to in-memory processing.
type Config struct {
	Scorer    *risk.Scorer
	Window    *window.Window
	Detector  *detect.Detector
	Alerts    *alerts.Manager
	Store     EventStore
	Publisher pubsub.EventPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	seen, err := lru.New[string, time.Time](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		scorer:    cfg.Scorer,
		window:    cfg.Window,
		detector:  cfg.Detector,
		alerts:    cfg.Alerts,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		seen:      seen,
	}, nil
}

// Process ingests one raw payload end to end and returns the normalized
// event plus any alerts it raised. A malformed payload returns a
// normalize.MalformedEventError; everything past normalization is
// best-effort and never fails the call.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*model.SecurityEvent, []*model.Alert, error) {
	start := time.Now()

	ev, err := normalize.Normalize(raw)
	if err != nil {
		p.metrics.EventsInvalid.Inc()
		return nil, nil, err
	}

	ev.RiskScore, ev.Severity = p.scorer.Score(ev)

	// Re-delivery of a recently seen id refreshes the stored row but is
	// not re-detected, so one event cannot raise the same alerts twice.
	if _, redelivered := p.seen.Get(ev.ID); redelivered {
		p.metrics.EventsRedelivered.Inc()
		p.upsert(ctx, ev)
		p.logger.Debug("event redelivered", "event_id", ev.ID)
		return ev, nil, nil
	}
	p.seen.Add(ev.ID, time.Now())

	p.window.Add(window.NewEntry(ev))
	p.metrics.WindowSize.Set(float64(p.window.Len()))

	p.upsert(ctx, ev)

	anomalies := p.detector.Detect(ev, p.window.Snapshot())

	// Alert lifecycle counters are owned by the alert manager.
	var raised []*model.Alert
	for _, anomaly := range anomalies {
		p.metrics.AnomaliesDetected.WithLabelValues(string(anomaly.Kind)).Inc()
		raised = append(raised, p.alerts.Raise(ctx, anomaly))
	}

	if p.publisher != nil {
		if err := p.publisher.PublishEvent(ev); err != nil {
			p.metrics.PublishErrors.Inc()
			p.logger.Warn("failed to publish event", "event_id", ev.ID, "error", err)
		}
	}

	p.metrics.EventsProcessed.Inc()
	p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	p.logger.Info("event processed",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"actor", ev.ActorLogin,
		"risk_score", ev.RiskScore,
		"severity", string(ev.Severity),
		"anomalies", len(anomalies),
	)
	return ev, raised, nil
}

// upsert writes the event to the store with a bounded timeout. Failures
// degrade to in-memory processing.
func (p *Pipeline) upsert(ctx context.Context, ev *model.SecurityEvent) {
	if p.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := p.store.UpsertEvent(sctx, ev); err != nil {
		p.metrics.StoreErrors.Inc()
		p.logger.Warn("failed to persist event", "event_id", ev.ID, "error", err)
	}
}
