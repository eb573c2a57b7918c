// Package normalize converts vendor-shaped webhook payloads into canonical
// security events. Normalization happens exactly once, at the edge: everything
// downstream works with typed records.
package normalize

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// MalformedEventError means the payload cannot be turned into a canonical
// event at all: it is not a structured object or has no parseable event kind.
// Anything less than that degrades to sentinel values instead of failing.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// payload mirrors the identity provider's webhook shape. Every field is
// optional except eventType.
type payload struct {
	UUID      string `json:"uuid"`
	EventType string `json:"eventType"`
	Published string `json:"published"`
	Actor     struct {
		ID          string `json:"id"`
		AlternateID string `json:"alternateId"`
	} `json:"actor"`
	Client struct {
		IPAddress string `json:"ipAddress"`
		UserAgent struct {
			RawUserAgent string `json:"rawUserAgent"`
		} `json:"userAgent"`
		GeographicalContext struct {
			City    string `json:"city"`
			Country string `json:"country"`
		} `json:"geographicalContext"`
	} `json:"client"`
	Outcome struct {
		Result string `json:"result"`
	} `json:"outcome"`
}

// Normalize parses a raw webhook payload into a canonical SecurityEvent.
// Missing optional fields map to sentinel values. An unparseable timestamp is
// substituted with process time and flagged via InferredTimestamp. The risk
// score and severity are left zeroed for the scorer to fill in.
func Normalize(raw []byte) (*model.SecurityEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("payload is not a structured object: %v", err)}
	}
	if strings.TrimSpace(p.EventType) == "" {
		return nil, &MalformedEventError{Reason: "missing event kind (eventType)"}
	}

	ev := &model.SecurityEvent{
		ID:         p.UUID,
		Kind:       p.EventType,
		ActorID:    orUnknown(p.Actor.ID),
		ActorLogin: orUnknown(p.Actor.AlternateID),
		SourceIP:   orUnknown(p.Client.IPAddress),
		UserAgent:  orUnknown(p.Client.UserAgent.RawUserAgent),
		Location:   normalizeLocation(p.Client.GeographicalContext.City, p.Client.GeographicalContext.Country),
		Outcome:    normalizeOutcome(p.Outcome.Result),
		Raw:        append([]byte(nil), raw...),
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
	}

	ts, ok := parseTimestamp(p.Published)
	if !ok {
		ts = time.Now().UTC()
		ev.InferredTimestamp = true
	}
	ev.OccurredAt = ts

	return ev, nil
}

// parseTimestamp accepts ISO-8601 with or without a trailing UTC marker. The
// source offset is preserved: local-hour rules need the actor's wall clock,
// and the store converts to UTC at its own boundary.
func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999", // no zone: treat as UTC
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeOutcome(result string) model.Outcome {
	switch strings.ToUpper(result) {
	case "SUCCESS":
		return model.OutcomeSuccess
	case "FAILURE":
		return model.OutcomeFailure
	default:
		return model.OutcomeUnknown
	}
}

func normalizeLocation(city, country string) model.Location {
	if city == "" && country == "" {
		return model.UnknownLocation
	}
	loc := model.Location{City: city, Country: country}
	if loc.City == "" {
		loc.City = model.UnknownLocation.City
	}
	if loc.Country == "" {
		loc.Country = model.UnknownLocation.Country
	}
	return loc
}

func orUnknown(s string) string {
	if s == "" {
		return model.UnknownField
	}
	return s
}
