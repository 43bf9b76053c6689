// Package actionqueue implements the offline action queue: durable,
// key-addressed queues of pending mutations, a replay processor with
// backoff and conflict handling, a bounded telemetry log, and a status
// aggregator that reduces everything into one sync state for the UI.
package actionqueue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrOffline        = errors.New("device is offline")
	ErrFlushInFlight  = errors.New("flush already in flight")
	ErrNotImplemented = errors.New("not implemented")
	ErrConflict       = errors.New("server conflict")
)

// QueueKey names one functional domain's queue.
type QueueKey string

const (
	QueueGuestMessages    QueueKey = "guest-messages"
	QueuePOSOrders        QueueKey = "pos-orders"
	QueueKioskCheckins    QueueKey = "kiosk-checkins"
	QueuePortalOrders     QueueKey = "portal-orders"
	QueueActivityBookings QueueKey = "activity-bookings"
	QueueHousekeeping     QueueKey = "housekeeping-tasks"
)

var queueLabels = map[QueueKey]string{
	QueueGuestMessages:    "Guest Messages",
	QueuePOSOrders:        "POS Orders",
	QueueKioskCheckins:    "Kiosk Check-ins",
	QueuePortalOrders:     "Portal Orders",
	QueueActivityBookings: "Activity Bookings",
	QueueHousekeeping:     "Housekeeping Tasks",
}

var knownQueueOrder = []QueueKey{
	QueueGuestMessages,
	QueuePOSOrders,
	QueueKioskCheckins,
	QueuePortalOrders,
	QueueActivityBookings,
	QueueHousekeeping,
}

// KnownQueues returns the well-known queue keys in display order.
func KnownQueues() []QueueKey {
	return append([]QueueKey(nil), knownQueueOrder...)
}

func (k QueueKey) Label() string {
	if label, ok := queueLabels[k]; ok {
		return label
	}
	return string(k)
}

func (k QueueKey) Known() bool {
	_, ok := queueLabels[k]
	return ok
}

// QueuedAction is a single pending mutation awaiting replay against the
// server. Attempts, NextAttemptAt and LastError are owned by the
// processor; Conflict is set by the processor and cleared only through
// RetryConflict.
type QueuedAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	Conflict      bool            `json:"conflict"`
	LastError     string          `json:"lastError,omitempty"`
}

// Eligible reports whether an automatic pass may replay the action now.
// Conflicted actions are never eligible.
func (a QueuedAction) Eligible(now time.Time) bool {
	if a.Conflict {
		return false
	}
	return a.NextAttemptAt == nil || !a.NextAttemptAt.After(now)
}

// RequestBody returns the bytes to replay: the explicit request body when
// present, otherwise the opaque feature payload.
func (a QueuedAction) RequestBody() json.RawMessage {
	if len(a.Body) > 0 {
		return a.Body
	}
	return a.Payload
}

// EnqueueRequest describes a user mutation to capture. Payload schemas
// are owned by the calling feature and are opaque to this engine.
type EnqueueRequest struct {
	Type     string
	Payload  json.RawMessage
	Endpoint string
	Method   string
	Body     json.RawMessage
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func (r EnqueueRequest) validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(r.Endpoint) == "" {
		return ErrInvalidInput
	}
	if r.Method != "" {
		if _, ok := allowedMethods[strings.ToUpper(strings.TrimSpace(r.Method))]; !ok {
			return ErrInvalidInput
		}
	}
	return nil
}

func newQueuedAction(req EnqueueRequest, now time.Time) QueuedAction {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	return QueuedAction{
		ID:        uuid.NewString(),
		Type:      strings.TrimSpace(req.Type),
		Payload:   req.Payload,
		Endpoint:  strings.TrimSpace(req.Endpoint),
		Method:    method,
		Body:      req.Body,
		CreatedAt: now.UTC(),
	}
}
