package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"molrender/internal/events"
)

// Connection lifecycle states.
const (
	StatusOpen    = "open"
	StatusClosing = "closing"
	StatusClosed  = "closed"
)

// Close codes used by this layer.
const (
	CloseAuthTimeout  = 4001
	CloseAuthFailed   = 4002
	CloseUnauthorized = 4003
	CloseStale        = 4004
)

const writeWait = 10 * time.Second

// pendingMessage is one queued delivery with its retry bookkeeping.
type pendingMessage struct {
	msg      events.Message
	attempts int
	queuedAt time.Time
}

// Conn is one client transport. Writes are serialized through writeMu;
// state mutations are guarded by mu.
type Conn struct {
	id   string
	sock *websocket.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	status        string
	authenticated bool
	userID        string
	sessionID     string
	connectedAt   time.Time
	lastActive    time.Time
	pending       []pendingMessage
	queueCap      int
}

func newConn(id string, sock *websocket.Conn, queueCap int, now time.Time) *Conn {
	if queueCap <= 0 {
		queueCap = 1
	}
	return &Conn{
		id:          id,
		sock:        sock,
		status:      StatusOpen,
		connectedAt: now,
		lastActive:  now,
		queueCap:    queueCap,
	}
}

// writeJSON sends one envelope down the socket with a write deadline.
func (c *Conn) writeJSON(msg events.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteJSON(msg)
}

// enqueue appends a message to the bounded retry queue, dropping the oldest
// entry when full. Returns any dropped message for accounting.
func (c *Conn) enqueue(msg events.Message, now time.Time) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.queueCap {
		c.pending = c.pending[1:]
		dropped = true
	}
	c.pending = append(c.pending, pendingMessage{msg: msg, queuedAt: now})
	return dropped
}

// takePending empties the retry queue and returns its contents.
func (c *Conn) takePending() []pendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}

func (c *Conn) requeue(items []pendingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(items, c.pending...)
	if len(c.pending) > c.queueCap {
		c.pending = c.pending[len(c.pending)-c.queueCap:]
	}
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

func (c *Conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) bind(userID, sessionID string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Conn) identity() (userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.sessionID
}

func (c *Conn) lastActiveAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// markClosing flips the state machine open -> closing; returns false if the
// connection already left the open state.
func (c *Conn) markClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen {
		return false
	}
	c.status = StatusClosing
	return true
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.status = StatusClosed
	c.mu.Unlock()
}
