package actionqueue

import (
	"sync"
	"time"
)

type TelemetryType string

const (
	TelemetryCache TelemetryType = "cache"
	TelemetrySync  TelemetryType = "sync"
)

type TelemetryStatus string

const (
	TelemetrySuccess TelemetryStatus = "success"
	TelemetryPending TelemetryStatus = "pending"
	TelemetryError   TelemetryStatus = "error"
)

// TelemetryEvent records one observation about cache or sync activity.
type TelemetryEvent struct {
	Source    string            `json:"source"`
	Type      TelemetryType     `json:"type"`
	Status    TelemetryStatus   `json:"status"`
	Message   string            `json:"message,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

const defaultTelemetryCapacity = 100

// TelemetryLog is a bounded, append-only event log. When full, the
// oldest events are evicted.
type TelemetryLog struct {
	mu       sync.Mutex
	capacity int
	events   []TelemetryEvent
	now      func() time.Time
}

func NewTelemetryLog(capacity int) *TelemetryLog {
	if capacity <= 0 {
		capacity = defaultTelemetryCapacity
	}
	return &TelemetryLog{capacity: capacity, now: time.Now}
}

func (l *TelemetryLog) Record(event TelemetryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}
	l.events = append(l.events, event)
	if overflow := len(l.events) - l.capacity; overflow > 0 {
		l.events = append(l.events[:0], l.events[overflow:]...)
	}
}

// Events returns a copy of the retained events, oldest first.
func (l *TelemetryLog) Events() []TelemetryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TelemetryEvent, len(l.events))
	copy(out, l.events)
	return out
}

// LastSyncSuccess returns when the most recent successful sync pass
// finished, or nil if none is retained.
func (l *TelemetryLog) LastSyncSuccess() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		event := l.events[i]
		if event.Type == TelemetrySync && event.Status == TelemetrySuccess {
			at := event.CreatedAt
			return &at
		}
	}
	return nil
}
