// Package ingest consumes raw webhook payloads from the message bus as an
// alternative intake to the HTTP edge.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/keyurp7/iam-sentinel/internal/normalize"
	"github.com/keyurp7/iam-sentinel/internal/pipeline"
)

// Subject and queue group for bus intake. The queue group lets multiple
// instances share the stream without duplicate processing.
const (
	SubjectIngest = "sentinel.ingest"
	QueueGroup    = "sentinel-ingest"
)

// Subscriber feeds bus-delivered payloads into the pipeline.
type Subscriber struct {
	nc       *nats.Conn
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	sub      *nats.Subscription
}

// NewSubscriber creates a subscriber over an established connection.
func NewSubscriber(nc *nats.Conn, p *pipeline.Pipeline, logger *slog.Logger) *Subscriber {
	return &Subscriber{nc: nc, pipeline: p, logger: logger}
}

// Start subscribes and processes messages until the context is cancelled,
// then drains the subscription so in-flight messages finish.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(SubjectIngest, QueueGroup, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	s.sub = sub

	s.logger.Info("subscribed to ingest subject", "subject", SubjectIngest, "queue", QueueGroup)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("failed to drain subscription", "error", err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	_, _, err := s.pipeline.Process(ctx, msg.Data)
	if err != nil {
		var malformed *normalize.MalformedEventError
		if errors.As(err, &malformed) {
			s.logger.Warn("dropping malformed bus payload", "reason", malformed.Reason)
			return
		}
		s.logger.Error("failed to process bus payload", "error", err)
	}
}
