package model

import (
	"encoding/json"
	"time"
)

// Severity classifies events and alerts into four tiers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome is the result reported by the identity provider for an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// UnknownField is the sentinel substituted for absent string fields.
const UnknownField = "unknown"

// Location is the geographic context of an event.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// UnknownLocation is the sentinel for events without geographic context.
var UnknownLocation = Location{City: "Unknown", Country: "Unknown"}

// Known reports whether the location carries real geo data.
func (l Location) Known() bool {
	return l != UnknownLocation && l != (Location{})
}

func (l Location) String() string {
	return l.City + ", " + l.Country
}

// SecurityEvent is the canonical form of an inbound identity-platform event.
// ID is the idempotency key: re-delivery of the same ID is an upsert in the
// store, never a duplicate row.
type SecurityEvent struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	ActorID           string          `json:"actor_id"`
	ActorLogin        string          `json:"actor_login"`
	OccurredAt        time.Time       `json:"occurred_at"`
	SourceIP          string          `json:"source_ip"`
	UserAgent         string          `json:"user_agent"`
	Location          Location        `json:"location"`
	Outcome           Outcome         `json:"outcome"`
	RiskScore         int             `json:"risk_score"`
	Severity          Severity        `json:"severity"`
	InferredTimestamp bool            `json:"inferred_timestamp,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// AnomalyKind identifies one of the fixed behavioral detection rules.
type AnomalyKind string

const (
	AnomalyMultipleFailedAttempts AnomalyKind = "multiple_failed_attempts"
	AnomalyGeographic             AnomalyKind = "geographic_anomaly"
	AnomalyOffHoursAccess         AnomalyKind = "off_hours_access"
	AnomalyRapidEvents            AnomalyKind = "rapid_events"
	AnomalyHighRiskEvent          AnomalyKind = "high_risk_event"
)

// Anomaly is an ephemeral detector finding. It is never persisted directly;
// the alert manager either converts it into an Alert or discards it.
type Anomaly struct {
	Kind              AnomalyKind `json:"kind"`
	Severity          Severity    `json:"severity"`
	Description       string      `json:"description"`
	ActorID           string      `json:"actor_id"`
	TriggeringEventID string      `json:"triggering_event_id"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is the durable, user-facing record derived from an anomaly.
// Resolution is monotonic: once resolved, an alert is immutable.
type Alert struct {
	ID                string      `json:"id"`
	Kind              AnomalyKind `json:"kind"`
	Severity          Severity    `json:"severity"`
	Title             string      `json:"title"`
	Description       string      `json:"description"`
	ActorID           string      `json:"actor_id"`
	TriggeringEventID string      `json:"triggering_event_id"`
	CreatedAt         time.Time   `json:"created_at"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
	Status            AlertStatus `json:"status"`
}

// ThreatLevel summarizes current active-alert volume. Derived, never stored.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatLevelFor derives the threat level from the number of active alerts.
func ThreatLevelFor(activeAlerts int) ThreatLevel {
	switch {
	case activeAlerts >= 5:
		return ThreatCritical
	case activeAlerts >= 3:
		return ThreatHigh
	case activeAlerts >= 1:
		return ThreatMedium
	default:
		return ThreatLow
	}
}
