package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"molrender/internal/config"
	"molrender/internal/events"
	"molrender/internal/telemetry"
)

// Authenticator is the boundary with the excluded auth/persistence layer.
type Authenticator interface {
	// Authenticate resolves a credential to a user id.
	Authenticate(token string) (string, error)
	// ValidateSessionAccess reports whether the user may bind to the session.
	ValidateSessionAccess(sessionID, userID string) bool
}

// ErrConnNotFound is returned by Send for unknown connection ids.
var ErrConnNotFound = errors.New("connection not found")

// Hub manages client connections: auth handshake with a deadline, heartbeat
// liveness, and best-effort delivery with bounded retry. Delivery is never
// guaranteed; callers treat the transport as fire-and-forget.
type Hub struct {
	cfg      config.Config
	auth     Authenticator
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn

	nowFn func() time.Time
}

// NewHub builds the notification hub.
func NewHub(cfg config.Config, auth Authenticator, bus *events.Bus) *Hub {
	return &Hub{
		cfg:  cfg,
		auth: auth,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
		nowFn: time.Now,
	}
}

// HandleWS upgrades an HTTP request and registers the connection
// unauthenticated. A timer enforces the authentication window.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.conns) >= h.cfg.WSMaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConn(uuid.New().String(), sock, h.cfg.WSQueueSize, h.nowFn())
	h.register(c)

	sock.SetPongHandler(func(string) error {
		c.touch(h.nowFn())
		return nil
	})

	go h.enforceAuthWindow(c)
	go h.readLoop(c)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	telemetry.WSConnections.Set(float64(total))
}

// Close tears a connection down and removes it from the registry. Idempotent.
func (h *Hub) Close(c *Conn, code int, reason string) {
	if !c.markClosing() {
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.sock.Close()
	c.markClosed()

	h.mu.Lock()
	delete(h.conns, c.id)
	total := len(h.conns)
	h.mu.Unlock()
	telemetry.WSConnections.Set(float64(total))
}

func (h *Hub) enforceAuthWindow(c *Conn) {
	timer := time.NewTimer(h.cfg.AuthTimeout)
	defer timer.Stop()
	<-timer.C
	if !c.isAuthenticated() {
		log.Printf("ws: connection %s failed to authenticate in time", c.id)
		h.Close(c, CloseAuthTimeout, "authentication timeout")
	}
}

func (h *Hub) readLoop(c *Conn) {
	defer h.Close(c, websocket.CloseNormalClosure, "")
	for {
		var msg events.Message
		if err := c.sock.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: connection %s read error: %v", c.id, err)
			}
			return
		}
		c.touch(h.nowFn())

		switch msg.Type {
		case events.TypeAuthentication:
			if !h.handleAuth(c, msg) {
				return
			}
		case events.TypeHeartbeat:
			_ = c.writeJSON(events.New(events.TypeHeartbeat, events.PriorityLow, "", nil))
		default:
			// Unauthenticated connections get exactly one message type.
			if !c.isAuthenticated() {
				h.Close(c, CloseUnauthorized, "not authenticated")
				return
			}
		}
	}
}

// handleAuth processes the handshake. Failure closes the connection
// immediately; the return value reports whether the read loop continues.
func (h *Hub) handleAuth(c *Conn, msg events.Message) bool {
	token, _ := msg.Payload["token"].(string)
	sessionID, _ := msg.Payload["session_id"].(string)

	userID, err := h.auth.Authenticate(token)
	if err != nil {
		h.Close(c, CloseAuthFailed, "authentication failed")
		return false
	}
	if sessionID != "" && !h.auth.ValidateSessionAccess(sessionID, userID) {
		h.Close(c, CloseAuthFailed, "session access denied")
		return false
	}

	c.bind(userID, sessionID)
	ack := events.New(events.TypeAuthentication, events.PriorityNormal, sessionID, map[string]any{
		"authenticated": true,
		"connection_id": c.id,
	})
	if err := c.writeJSON(ack); err != nil {
		h.Close(c, websocket.CloseInternalServerErr, "ack failed")
		return false
	}
	return true
}

// Send delivers to one connection by id.
func (h *Hub) Send(connectionID string, msg events.Message) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connectionID)
	}
	h.deliver(c, msg)
	return nil
}

// BroadcastToSession fans out to every authenticated connection bound to the
// session.
func (h *Hub) BroadcastToSession(sessionID string, msg events.Message) {
	for _, c := range h.snapshot() {
		if !c.isAuthenticated() {
			continue
		}
		if _, bound := c.identity(); bound == sessionID {
			h.deliver(c, msg)
		}
	}
}

// BroadcastToUser fans out to every connection of the user.
func (h *Hub) BroadcastToUser(userID string, msg events.Message) {
	for _, c := range h.snapshot() {
		if user, _ := c.identity(); c.isAuthenticated() && user == userID {
			h.deliver(c, msg)
		}
	}
}

// BroadcastToAll fans out to every authenticated connection.
func (h *Hub) BroadcastToAll(msg events.Message) {
	for _, c := range h.snapshot() {
		if c.isAuthenticated() {
			h.deliver(c, msg)
		}
	}
}

// deliver attempts a synchronous send; on failure anything above low priority
// joins the bounded retry queue.
func (h *Hub) deliver(c *Conn, msg events.Message) {
	if err := c.writeJSON(msg); err != nil {
		if msg.Priority == events.PriorityLow {
			telemetry.WSMessagesDropped.Inc()
			return
		}
		if c.enqueue(msg, h.nowFn()) {
			telemetry.WSMessagesDropped.Inc()
		}
		telemetry.WSRetriesQueued.Inc()
		return
	}
	telemetry.WSDeliveries.Inc()
}

// RetrySweep replays every connection's pending queue once, dropping expired
// messages and those that exhausted their retries.
func (h *Hub) RetrySweep() {
	now := h.nowFn()
	for _, c := range h.snapshot() {
		var keep []pendingMessage
		for _, item := range c.takePending() {
			if now.Sub(item.queuedAt) > h.cfg.WSMessageExpiry {
				telemetry.WSMessagesDropped.Inc()
				continue
			}
			if err := c.writeJSON(item.msg); err == nil {
				telemetry.WSDeliveries.Inc()
				continue
			}
			item.attempts++
			if item.attempts >= h.cfg.WSMaxRetries {
				telemetry.WSMessagesDropped.Inc()
				log.Printf("ws: dropping %s message for connection %s after %d attempts", item.msg.Type, c.id, item.attempts)
				continue
			}
			keep = append(keep, item)
		}
		if len(keep) > 0 {
			c.requeue(keep)
		}
	}
}

// HeartbeatSweep pings every open connection and reclaims any whose last
// activity exceeds the liveness timeout.
func (h *Hub) HeartbeatSweep() {
	now := h.nowFn()
	for _, c := range h.snapshot() {
		if now.Sub(c.lastActiveAt()) > h.cfg.HeartbeatTimeout {
			log.Printf("ws: closing stale connection %s", c.id)
			h.Close(c, CloseStale, "heartbeat timeout")
			continue
		}
		deadline := time.Now().Add(writeWait)
		_ = c.sock.WriteControl(websocket.PingMessage, nil, deadline)
	}
}

// Run drives the periodic sweeps and forwards bus events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	retry := time.NewTicker(h.cfg.WSRetryInterval)
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer retry.Stop()
	defer heartbeat.Stop()

	sub, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-retry.C:
			h.RetrySweep()
		case <-heartbeat.C:
			h.HeartbeatSweep()
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if msg.SessionID != "" {
				h.BroadcastToSession(msg.SessionID, msg)
			} else {
				h.BroadcastToAll(msg)
			}
		}
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount reports how many connections are registered.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		h.Close(c, websocket.CloseGoingAway, "server shutting down")
	}
}
