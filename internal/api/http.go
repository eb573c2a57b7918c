// Package api is the HTTP edge: the vendor webhook intake, the dashboard
// read endpoints, and the operational probes.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyurp7/iam-sentinel/internal/aggregate"
	"github.com/keyurp7/iam-sentinel/internal/alerts"
	"github.com/keyurp7/iam-sentinel/internal/normalize"
	"github.com/keyurp7/iam-sentinel/internal/pipeline"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Server hosts the HTTP surface.
type Server struct {
	pipeline *pipeline.Pipeline
	engine   *aggregate.Engine
	alerts   *alerts.Manager
	logger   *slog.Logger
	ready    func() bool
}

// NewServer wires the handlers. ready reports whether dependencies are up;
// nil means always ready.
func NewServer(p *pipeline.Pipeline, engine *aggregate.Engine, mgr *alerts.Manager, logger *slog.Logger, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{pipeline: p, engine: engine, alerts: mgr, logger: logger, ready: ready}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/okta", s.handleWebhook)
	mux.HandleFunc("GET /webhook/okta", s.handleWebhookVerify)

	mux.HandleFunc("GET /api/dashboard-data", s.handleDashboard)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("POST /api/events/simulate", s.handleSimulate)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// handleWebhookVerify answers the provider's one-time endpoint verification
// challenge.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	challenge := r.Header.Get("X-Okta-Verification-Challenge")
	writeJSON(w, http.StatusOK, map[string]string{"verification": challenge})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ev, raised, err := s.pipeline.Process(r.Context(), body)
	if err != nil {
		var malformed *normalize.MalformedEventError
		if errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, malformed.Reason)
			return
		}
		s.logger.Error("webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "processed",
		"event_id":      ev.ID,
		"risk_score":    ev.RiskScore,
		"severity":      ev.Severity,
		"alerts_raised": len(raised),
		"processed_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.Dashboard(r.Context())
	if err != nil {
		s.logger.Error("failed to assemble dashboard", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.alerts.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":       active,
		"count":        len(active),
		"threat_level": s.alerts.ThreatLevel(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Metrics(r.Context())
	if err != nil {
		s.logger.Error("failed to compute metrics", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.alerts.Resolve(r.Context(), id) {
		writeError(w, http.StatusNotFound, "alert not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "alert_id": id})
}

var simulatedKinds = []string{
	"user.session.start",
	"user.authentication.sso",
	"user.authentication.auth_failure",
	"user.account.lock",
	"user.mfa.factor.deactivate",
	"user.behavior.suspicious_activity",
	"user.account.privilege.grant",
}

var simulatedActors = []struct {
	id    string
	login string
}{
	{"00u1a2b3c4", "alice@example.com"},
	{"00u5d6e7f8", "bob@example.com"},
	{"00u9g0h1i2", "carol@example.com"},
	{"00u3j4k5l6", "dave@example.com"},
}

var simulatedClients = []struct {
	ip      string
	city    string
	country string
}{
	{"203.0.113.10", "New York", "US"},
	{"198.51.100.23", "London", "GB"},
	{"192.0.2.45", "Tokyo", "JP"},
	{"203.0.113.99", "Sydney", "AU"},
}

// handleSimulate synthesizes one provider-shaped event and runs it through
// the normal ingest path, for demos and smoke tests. The caller may request
// a specific event type; everything else is randomized.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string `json:"event_type"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req)
	}

	kind := req.EventType
	if kind == "" {
		kind = simulatedKinds[rand.Intn(len(simulatedKinds))]
	}
	actor := simulatedActors[rand.Intn(len(simulatedActors))]
	client := simulatedClients[rand.Intn(len(simulatedClients))]

	outcome := "SUCCESS"
	if kind == "user.authentication.auth_failure" {
		outcome = "FAILURE"
	}

	payload := fmt.Sprintf(`{
		"uuid": %q,
		"eventType": %q,
		"published": %q,
		"actor": {"id": %q, "alternateId": %q},
		"client": {
			"ipAddress": %q,
			"userAgent": {"rawUserAgent": "Mozilla/5.0 (simulated)"},
			"geographicalContext": {"city": %q, "country": %q}
		},
		"outcome": {"result": %q}
	}`, uuid.NewString(), kind, time.Now().UTC().Format(time.RFC3339),
		actor.id, actor.login, client.ip, client.city, client.country, outcome)

	ev, raised, err := s.pipeline.Process(r.Context(), []byte(payload))
	if err != nil {
		s.logger.Error("simulated event failed to process", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "simulated",
		"event":         ev,
		"alerts_raised": len(raised),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
