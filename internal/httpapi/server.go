// Package httpapi exposes the sync status, queue inspector and manual
// sync controls over HTTP, plus the websocket bridge endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/joshuahuffman02/Keepr-sub014/internal/actionqueue"
	"github.com/joshuahuffman02/Keepr-sub014/internal/syncbridge"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token        string
	MaxBodyBytes int64
}

type Server struct {
	aggregator *actionqueue.StatusAggregator
	enqueuer   *actionqueue.Enqueuer
	hub        *syncbridge.Hub
	cfg        ServerConfig
}

func NewServer(aggregator *actionqueue.StatusAggregator, enqueuer *actionqueue.Enqueuer, hub *syncbridge.Hub) *Server {
	return NewServerWithConfig(aggregator, enqueuer, hub, ServerConfig{})
}

func NewServerWithConfig(aggregator *actionqueue.StatusAggregator, enqueuer *actionqueue.Enqueuer, hub *syncbridge.Hub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		aggregator: aggregator,
		enqueuer:   enqueuer,
		hub:        hub,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 3 && parts[2] == "telemetry" && r.Method == http.MethodGet:
		route = "telemetry"
	case len(parts) == 3 && parts[2] == "ws" && r.Method == http.MethodGet:
		route = "ws"
	case len(parts) == 3 && parts[2] == "flush" && r.Method == http.MethodPost:
		route = "flush"
	case len(parts) == 4 && parts[2] == "queues" && r.Method == http.MethodGet:
		route = "queue"
	case len(parts) == 5 && parts[2] == "queues" && parts[4] == "enqueue" && r.Method == http.MethodPost:
		route = "enqueue"
	case len(parts) == 5 && parts[2] == "queues" && parts[4] == "clear" && r.Method == http.MethodPost:
		route = "clear"
	case len(parts) == 7 && parts[2] == "queues" && parts[4] == "items" && parts[6] == "retry" && r.Method == http.MethodPost:
		route = "retry"
	case len(parts) == 7 && parts[2] == "queues" && parts[4] == "items" && parts[6] == "discard" && r.Method == http.MethodPost:
		route = "discard"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if !s.authorize(w, r) {
		return
	}

	correlationID := getCorrelationID(r)
	if r.Method == http.MethodPost && correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
	case "telemetry":
		s.handleTelemetry(w)
	case "ws":
		s.handleWS(w, r)
	case "flush":
		s.handleFlush(w, r, correlationID)
	case "queue":
		s.handleQueue(w, r, actionqueue.QueueKey(parts[3]), correlationID)
	case "enqueue":
		s.handleEnqueue(w, r, actionqueue.QueueKey(parts[3]), correlationID)
	case "clear":
		s.handleClear(w, actionqueue.QueueKey(parts[3]), correlationID)
	case "retry":
		s.handleRetry(w, actionqueue.QueueKey(parts[3]), parts[5], correlationID)
	case "discard":
		s.handleDiscard(w, actionqueue.QueueKey(parts[3]), parts[5], correlationID)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if header == "Bearer "+s.cfg.Token {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token", getCorrelationID(r))
	return false
}

func (s *Server) handleTelemetry(w http.ResponseWriter) {
	telemetry := s.aggregator.Telemetry()
	if telemetry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []actionqueue.TelemetryEvent{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": telemetry.Events()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "bridge not enabled", getCorrelationID(r))
		return
	}
	s.hub.Accept(w, r)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, correlationID string) {
	err := s.aggregator.ManualSync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.aggregator.Snapshot())
	case errors.Is(err, actionqueue.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error(), correlationID)
	case errors.Is(err, actionqueue.ErrFlushInFlight):
		writeError(w, http.StatusConflict, "sync_in_flight", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, key actionqueue.QueueKey, correlationID string) {
	items := s.aggregator.QueueItems(key)
	if items == nil {
		items = []actionqueue.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":   key,
		"label": key.Label(),
		"items": items,
	})
}

type enqueueBody struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, key actionqueue.QueueKey, correlationID string) {
	if s.enqueuer == nil {
		writeError(w, http.StatusNotFound, "not_found", "enqueue not enabled", correlationID)
		return
	}
	var body enqueueBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	action, err := s.enqueuer.Enqueue(r.Context(), key, actionqueue.EnqueueRequest{
		Type:     body.Type,
		Payload:  body.Payload,
		Endpoint: body.Endpoint,
		Method:   body.Method,
		Body:     body.Body,
	})
	if err != nil {
		if errors.Is(err, actionqueue.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.aggregator.NotifyChange()
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) handleClear(w http.ResponseWriter, key actionqueue.QueueKey, correlationID string) {
	if err := s.aggregator.ClearQueue(key); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, key actionqueue.QueueKey, id, correlationID string) {
	if err := s.aggregator.RetryConflict(key, id); err != nil {
		if errors.Is(err, actionqueue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
}

func (s *Server) handleDiscard(w http.ResponseWriter, key actionqueue.QueueKey, id, correlationID string) {
	if err := s.aggregator.DiscardConflict(key, id); err != nil {
		if errors.Is(err, actionqueue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
