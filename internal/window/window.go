// Package window keeps a bounded in-process buffer of the most recent
// canonical events for pattern detection. Eviction is strictly FIFO by
// insertion order and never blocks ingestion.
package window

import (
	"container/ring"
	"sync"
	"time"

	"github.com/keyurp7/iam-sentinel/internal/model"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 1000

// Entry is a lightweight projection of a SecurityEvent, small enough to keep
// a thousand of them resident.
type Entry struct {
	EventID    string
	ActorID    string
	ActorLogin string
	Kind       string
	Timestamp  time.Time
	Location   model.Location
	Severity   model.Severity
	RiskScore  int
}

// NewEntry projects a canonical event into a window entry.
func NewEntry(ev *model.SecurityEvent) Entry {
	return Entry{
		EventID:    ev.ID,
		ActorID:    ev.ActorID,
		ActorLogin: ev.ActorLogin,
		Kind:       ev.Kind,
		Timestamp:  ev.OccurredAt,
		Location:   ev.Location,
		Severity:   ev.Severity,
		RiskScore:  ev.RiskScore,
	}
}

// Window is a fixed-capacity ring buffer of entries. All access is serialized
// by a single lock; only the detector and the ingestion pipeline touch it.
type Window struct {
	mu       sync.Mutex
	next     *ring.Ring // position the next entry is written to
	size     int
	capacity int
}

// New creates an empty window. Capacities below 1 fall back to the default.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Window{
		next:     ring.New(capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest one once the window is full.
func (w *Window) Add(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next.Value = e
	w.next = w.next.Next()
	if w.size < w.capacity {
		w.size++
	}
}

// Snapshot returns the current entries newest-first. The copy is detached:
// callers may scan it without holding up ingestion.
func (w *Window) Snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Entry, 0, w.size)
	r := w.next
	for i := 0; i < w.size; i++ {
		r = r.Prev()
		out = append(out, r.Value.(Entry))
	}
	return out
}

// Len returns the number of entries currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Capacity returns the fixed capacity of the window.
func (w *Window) Capacity() int {
	return w.capacity
}
