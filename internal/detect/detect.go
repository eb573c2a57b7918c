// Package detect evaluates each newly normalized event against the recent
// history window. Detection is a pure read: the window is never mutated here.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/keyurp7/iam-sentinel/internal/model"
	"github.com/keyurp7/iam-sentinel/internal/window"
)

// Rule thresholds. Five independent rules, evaluated in a fixed order; any
// subset may fire for a single event.
const (
	failedAttemptsScan      = 20
	failedAttemptsWindow    = 5 * time.Minute
	failedAttemptsThreshold = 3

	geoScan          = 50
	geoKnownLocCount = 10

	offHoursStart = 22 // exclusive: 22:xx itself is still business hours
	offHoursEnd   = 6  // exclusive: 06:xx is already business hours

	rapidEventsScan      = 20
	rapidEventsWindow    = time.Minute
	rapidEventsThreshold = 10

	highRiskScore = 8
)

// Detector runs the fixed behavioral rules. The clock is injectable so age
// comparisons are testable.
type Detector struct {
	now func() time.Time
}

// New creates a detector using the wall clock.
func New() *Detector {
	return &Detector{now: time.Now}
}

// NewWithClock creates a detector with a fixed clock, for tests.
func NewWithClock(now func() time.Time) *Detector {
	return &Detector{now: now}
}

// Detect evaluates ev against the window snapshot (newest-first, already
// containing ev) and returns zero or more findings. It is total for
// well-formed events: no error path exists.
func (d *Detector) Detect(ev *model.SecurityEvent, recent []window.Entry) []model.Anomaly {
	var anomalies []model.Anomaly

	if a, ok := d.multipleFailedAttempts(ev, recent); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := d.geographicAnomaly(ev, recent); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := d.offHoursAccess(ev); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := d.rapidEvents(ev, recent); ok {
		anomalies = append(anomalies, a)
	}
	if a, ok := d.highRiskEvent(ev); ok {
		anomalies = append(anomalies, a)
	}

	return anomalies
}

// Rule 1: three or more failed attempts by the same actor within five
// minutes, scanning the most recent 20 window entries.
func (d *Detector) multipleFailedAttempts(ev *model.SecurityEvent, recent []window.Entry) (model.Anomaly, bool) {
	now := d.now()
	count := 0
	for _, e := range head(recent, failedAttemptsScan) {
		if e.ActorID != ev.ActorID {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Kind), "fail") {
			continue
		}
		if now.Sub(e.Timestamp) > failedAttemptsWindow {
			continue
		}
		count++
	}

	if count < failedAttemptsThreshold {
		return model.Anomaly{}, false
	}
	return model.Anomaly{
		Kind:              model.AnomalyMultipleFailedAttempts,
		Severity:          model.SeverityHigh,
		Description:       fmt.Sprintf("Multiple failed login attempts: %d in 5 minutes", count),
		ActorID:           ev.ActorID,
		TriggeringEventID: ev.ID,
	}, true
}

// Rule 2: the event's location is known but absent from the actor's last 10
// distinct known locations within the last 50 window entries. The triggering
// event itself is excluded from the known set, otherwise nothing would ever
// look new.
func (d *Detector) geographicAnomaly(ev *model.SecurityEvent, recent []window.Entry) (model.Anomaly, bool) {
	if !ev.Location.Known() {
		return model.Anomaly{}, false
	}

	known := make(map[model.Location]struct{}, geoKnownLocCount)
	for _, e := range head(recent, geoScan) {
		if len(known) >= geoKnownLocCount {
			break
		}
		if e.ActorID != ev.ActorID || e.EventID == ev.ID {
			continue
		}
		if !e.Location.Known() {
			continue
		}
		known[e.Location] = struct{}{}
	}

	// No prior known locations means no baseline to deviate from.
	if len(known) == 0 {
		return model.Anomaly{}, false
	}
	if _, seen := known[ev.Location]; seen {
		return model.Anomaly{}, false
	}

	return model.Anomaly{
		Kind:              model.AnomalyGeographic,
		Severity:          model.SeverityMedium,
		Description:       fmt.Sprintf("Login from new location: %s", ev.Location),
		ActorID:           ev.ActorID,
		TriggeringEventID: ev.ID,
	}, true
}

// Rule 3: a login-flavored event outside 06:00-22:59 local to the event.
func (d *Detector) offHoursAccess(ev *model.SecurityEvent) (model.Anomaly, bool) {
	hour := ev.OccurredAt.Hour()
	if hour >= offHoursEnd && hour <= offHoursStart {
		return model.Anomaly{}, false
	}
	if !strings.Contains(strings.ToLower(ev.Kind), "login") {
		return model.Anomaly{}, false
	}

	return model.Anomaly{
		Kind:              model.AnomalyOffHoursAccess,
		Severity:          model.SeverityLow,
		Description:       fmt.Sprintf("Off-hours login at %s", ev.OccurredAt.Format("15:04")),
		ActorID:           ev.ActorID,
		TriggeringEventID: ev.ID,
	}, true
}

// Rule 4: ten or more events by the same actor within one minute, scanning
// the most recent 20 window entries.
func (d *Detector) rapidEvents(ev *model.SecurityEvent, recent []window.Entry) (model.Anomaly, bool) {
	now := d.now()
	count := 0
	for _, e := range head(recent, rapidEventsScan) {
		if e.ActorID != ev.ActorID {
			continue
		}
		if now.Sub(e.Timestamp) > rapidEventsWindow {
			continue
		}
		count++
	}

	if count < rapidEventsThreshold {
		return model.Anomaly{}, false
	}
	return model.Anomaly{
		Kind:              model.AnomalyRapidEvents,
		Severity:          model.SeverityMedium,
		Description:       fmt.Sprintf("Rapid successive events: %d in 1 minute", count),
		ActorID:           ev.ActorID,
		TriggeringEventID: ev.ID,
	}, true
}

// Rule 5: a single event scoring at or above the critical threshold.
func (d *Detector) highRiskEvent(ev *model.SecurityEvent) (model.Anomaly, bool) {
	if ev.RiskScore < highRiskScore {
		return model.Anomaly{}, false
	}
	return model.Anomaly{
		Kind:              model.AnomalyHighRiskEvent,
		Severity:          model.SeverityCritical,
		Description:       fmt.Sprintf("High-risk security event detected (score: %d)", ev.RiskScore),
		ActorID:           ev.ActorID,
		TriggeringEventID: ev.ID,
	}, true
}

func head(entries []window.Entry, n int) []window.Entry {
	if len(entries) > n {
		return entries[:n]
	}
	return entries
}
