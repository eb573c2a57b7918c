package pubsub

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// WebhookSink POSTs raised alerts to an external endpoint (a SOAR hook, a
// chat integration). Transient failures are retried with backoff; a response
// outside 2xx after retries is an error the caller counts and drops.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client
	logger *slog.Logger
}

// NewWebhookSink builds a sink for the given endpoint URL.
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &WebhookSink{url: url, client: client, logger: logger}
}

// PublishAlert delivers the alert to the webhook endpoint.
func (s *WebhookSink) PublishAlert(a *model.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert %s: %w", a.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver alert %s: unexpected status %d", a.ID, resp.StatusCode)
	}

	s.logger.Debug("alert delivered to webhook", "alert_id", a.ID, "status", resp.StatusCode)
	return nil
}

// AlertFanout delivers an alert to every configured sink, best-effort. The
// first error is returned after all sinks were attempted.
type AlertFanout []AlertPublisher

func (f AlertFanout) PublishAlert(a *model.Alert) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.PublishAlert(a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
