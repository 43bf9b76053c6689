// Package syncbridge carries sync signaling between the app process and
// background execution contexts: a websocket hub/client pair exchanging
// correlated flush messages, and a filesystem watcher over queue
// snapshots.
package syncbridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/joshuahuffman02/Keepr-sub014/internal/actionqueue"
)

// Message is the wire envelope exchanged over the bridge. CorrelationID
// pairs a sync_complete with the sync_requested that caused it.
type Message struct {
	Type          string   `json:"type"`
	Queues        []string `json:"queues,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

const (
	MessageSyncRequested = "sync_requested"
	MessageSyncComplete  = "sync_complete"
	MessageRefresh       = "refresh"
)

// Handler consumes inbound bridge messages.
type Handler func(ctx context.Context, msg Message)

// Hub accepts websocket connections from background contexts and fans
// messages out between them and the hosting process.
type Hub struct {
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	handler Handler
	closed  bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// SetHandler installs the local message handler. Must be called before
// connections arrive.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Accept upgrades the request and serves the connection until it drops.
// Intended to be mounted on the ws route by the HTTP server.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return nil
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return nil
		}
		h.dispatch(ctx, msg, conn)
	}
}

// dispatch runs the local handler and relays the message to every other
// connection.
func (h *Hub) dispatch(ctx context.Context, msg Message, origin *websocket.Conn) {
	h.mu.Lock()
	handler := h.handler
	targets := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		if conn != origin {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	if handler != nil {
		handler(ctx, msg)
	}
	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsjson.Write(writeCtx, conn, msg); err != nil {
			log.Debug().Err(err).Str("type", msg.Type).Msg("bridge relay write failed")
		}
		cancel()
	}
}

// Broadcast sends a message to every connected context without invoking
// the local handler.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.Unlock()
	for _, conn := range targets {
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			log.Debug().Err(err).Str("type", msg.Type).Msg("bridge broadcast write failed")
		}
	}
}

// RequestFlush implements actionqueue.FlushNotifier: the flush request
// reaches the local handler and every connected background context.
func (h *Hub) RequestFlush(ctx context.Context, correlationID string, keys []actionqueue.QueueKey) error {
	queues := make([]string, 0, len(keys))
	for _, key := range keys {
		queues = append(queues, string(key))
	}
	h.dispatch(ctx, Message{
		Type:          MessageSyncRequested,
		Queues:        queues,
		CorrelationID: correlationID,
	}, nil)
	return nil
}

// Close drops all connections. The hub accepts no new ones afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "hub closed")
	}
}

// ClientOptions configures a bridge Client. Zero values get defaults.
type ClientOptions struct {
	URL              string
	OnMessage        Handler
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// Client maintains a connection to the hub from a background execution
// context, reconnecting with capped backoff when it drops.
type Client struct {
	url       string
	onMessage Handler
	baseDelay time.Duration
	maxDelay  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// ErrNotConnected is returned by Send while the hub is unreachable.
var ErrNotConnected = errors.New("bridge not connected")

func NewClient(opts ClientOptions) *Client {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{
		url:       opts.URL,
		onMessage: opts.OnMessage,
		baseDelay: opts.ReconnectBackoff,
		maxDelay:  opts.MaxBackoff,
	}
}

// Run dials the hub and consumes messages until ctx is cancelled,
// redialing after connection loss.
func (c *Client) Run(ctx context.Context) {
	delay := c.baseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			log.Debug().Err(err).Str("url", c.url).Dur("retryIn", delay).Msg("bridge dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > c.maxDelay {
				delay = c.maxDelay
			}
			continue
		}
		delay = c.baseDelay
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if c.onMessage != nil {
			c.onMessage(ctx, msg)
		}
	}
}

// Send writes one message to the hub. Fails when disconnected.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, msg)
}
