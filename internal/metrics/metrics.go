// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for the service. Register once per process.
type Metrics struct {
	EventsProcessed   prometheus.Counter
	EventsInvalid     prometheus.Counter
	EventsRedelivered prometheus.Counter

	AnomaliesDetected *prometheus.CounterVec
	AlertsRaised      prometheus.Counter
	AlertsResolved    prometheus.Counter

	StoreErrors   prometheus.Counter
	PublishErrors prometheus.Counter

	ActiveAlerts prometheus.Gauge
	WindowSize   prometheus.Gauge

	ProcessingDuration prometheus.Histogram
}

// New creates and registers the collectors on the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates the collectors on a caller-supplied registerer,
// which tests use to avoid duplicate-registration panics.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_processed_total",
			Help: "Total number of security events processed",
		}),
		EventsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_invalid_total",
			Help: "Total number of malformed payloads rejected",
		}),
		EventsRedelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_redelivered_total",
			Help: "Total number of events whose id was already seen recently",
		}),
		AnomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_anomalies_detected_total",
			Help: "Total number of anomalies detected, by kind",
		}, []string{"kind"}),
		AlertsRaised: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_raised_total",
			Help: "Total number of alerts raised",
		}),
		AlertsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_resolved_total",
			Help: "Total number of alerts resolved, by expiry or explicitly",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_store_errors_total",
			Help: "Total number of degraded writes to the event store",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_publish_errors_total",
			Help: "Total number of failed notification publishes",
		}),
		ActiveAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_alerts",
			Help: "Number of currently active alerts",
		}),
		WindowSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_history_window_entries",
			Help: "Number of entries in the history window",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_event_processing_seconds",
			Help:    "Wall time spent processing a single event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
