// Package server manages individual WebSocket connections, handling read
// and write pumps, liveness deadlines, frame rate limiting, and lifecycle
// control for each session.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
)

// sessionState tracks a connection through its supervised lifecycle.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateActive
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendError reports a failed delivery to one connection. It is terminal for
// that connection; callers must not retry against the same connection.
type SendError struct {
	ConnectionID string
	Reason       string
}

func (e *SendError) Error() string {
	return "send to " + e.ConnectionID + ": " + e.Reason
}

// Connection represents one client's WebSocket session. It owns the
// transport and its pumps; the room registry and presence tracker only ever
// hold references, keyed by the stable connection id.
type Connection struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string

	state atomic.Int32

	// rooms maps joined room ids to their kind, guarded by roomsMu.
	roomsMu sync.Mutex
	rooms   map[string]protocol.RoomKind

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string

	lastActivity atomic.Int64

	idleTimeout time.Duration
	sendTimeout time.Duration
	limiter     *rateLimiter
	frameLimit  RateLimitConfig
	logger      *slog.Logger
}

func newConnection(conn *websocket.Conn, hub *Hub, identity auth.Identity, addr string) *Connection {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Connection{
		id:          uuid.NewString(),
		identity:    identity,
		conn:        conn,
		send:        make(chan []byte, cfg.SendQueueSize),
		hub:         hub,
		addr:        addr,
		rooms:       make(map[string]protocol.RoomKind),
		done:        make(chan struct{}),
		idleTimeout: cfg.IdleTimeout,
		sendTimeout: cfg.SendTimeout,
		limiter:     newRateLimiter(cfg.FrameLimit.Burst, cfg.FrameLimit.RefillInterval),
		frameLimit:  cfg.FrameLimit,
		logger:      hub.logger.With("conn", addr, "user", identity.UserID),
	}
	c.state.Store(int32(stateConnecting))
	c.touch()
	return c
}

// ID returns the stable connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user id.
func (c *Connection) UserID() string { return c.identity.UserID }

// DisplayName returns the authenticated display name.
func (c *Connection) DisplayName() string { return c.identity.DisplayName }

func (c *Connection) currentState() sessionState {
	return sessionState(c.state.Load())
}

func (c *Connection) setState(next sessionState) {
	c.state.Store(int32(next))
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the connection last produced an inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) trackRoom(roomID string, kind protocol.RoomKind) {
	c.roomsMu.Lock()
	c.rooms[roomID] = kind
	c.roomsMu.Unlock()
}

func (c *Connection) inRoom(roomID string) bool {
	c.roomsMu.Lock()
	_, ok := c.rooms[roomID]
	c.roomsMu.Unlock()
	return ok
}

func (c *Connection) roomSnapshot() map[string]protocol.RoomKind {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	snapshot := make(map[string]protocol.RoomKind, len(c.rooms))
	for roomID, kind := range c.rooms {
		snapshot[roomID] = kind
	}
	return snapshot
}

// enqueue places one marshaled frame on the outbound queue. It waits at
// most sendTimeout for space; past that the recipient is treated as stale.
func (c *Connection) enqueue(payload []byte) error {
	if c.currentState() == stateClosed {
		return &SendError{ConnectionID: c.id, Reason: "connection closed"}
	}

	select {
	case c.send <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return &SendError{ConnectionID: c.id, Reason: "connection closed"}
	case <-timer.C:
		return &SendError{ConnectionID: c.id, Reason: "send buffer full"}
	}
}

// closeWithCode performs the idempotent shutdown of the session. The write
// pump observes done, flushes queued frames, emits the close frame, and
// tears down the transport, which in turn unblocks the read pump.
func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.setState(stateClosed)
		close(c.done)
	})
}

// drain stops accepting inbound frames, then flushes and closes.
func (c *Connection) drain(code int, reason string) {
	c.setState(stateDraining)
	c.closeWithCode(code, reason)
}

// setupReadConnection configures the idle deadline and pong handler.
func (c *Connection) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		c.logger.Warn("setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			c.logger.Warn("setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs the terminal read error with the right severity.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("inbound frame exceeded size limit", "limit", c.hub.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Debug("connection closed", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// readPump consumes inbound frames until the transport fails or the idle
// deadline expires. All exit paths, panics included, funnel into the hub's
// unregister channel so resources are always released.
func (c *Connection) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in read loop", "panic", r)
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			// Shutdown already drained the hub loop; detach happens there.
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("closing connection in read pump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		c.touch()

		if c.currentState() != stateActive {
			// Draining sessions stop accepting inbound frames.
			continue
		}

		if !c.limiter.allow() {
			c.logger.Warn("frame rate limit exceeded; discarding frame",
				"burst", c.frameLimit.Burst, "interval", c.frameLimit.RefillInterval)
			continue
		}

		if err := c.hub.router.Handle(c.hub.ctx, c, raw); err != nil {
			c.reportError(err)
		}
	}
}

// reportError converts a router error into an error frame for the sender.
// Validation and store failures keep the connection open.
func (c *Connection) reportError(err error) {
	payload := protocol.ErrorPayload{Code: "internal", Message: "internal error"}

	var validationErr *ValidationError
	var storeErr *history.StoreError
	switch {
	case errors.As(err, &validationErr):
		payload = protocol.ErrorPayload{Code: "invalid_argument", Message: validationErr.Reason}
	case errors.As(err, &storeErr):
		payload = protocol.ErrorPayload{Code: "unavailable", Message: "message not persisted", Retryable: true}
	default:
		c.logger.Error("routing inbound frame", "error", err)
	}

	env, buildErr := protocol.NewEnvelope(protocol.TypeError, "", payload, "", time.Now().UTC())
	if buildErr != nil {
		c.logger.Error("building error frame", "error", buildErr)
		return
	}
	raw, encodeErr := env.Encode()
	if encodeErr != nil {
		c.logger.Error("encoding error frame", "error", encodeErr)
		return
	}
	if sendErr := c.enqueue(raw); sendErr != nil {
		c.logger.Debug("dropping error frame for stale connection", "error", sendErr)
	}
}

// writePump delivers outbound frames and keepalive pings. When the session
// closes it flushes whatever is queued, emits the close frame, and tears
// down the transport.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("closing connection in write pump", "error", err)
		}
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.done:
			c.flushAndClose()
			return
		}
	}
}

func (c *Connection) writeFrame(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.logger.Warn("setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("writing frame", "error", err)
		}
		return false
	}
	return true
}

func (c *Connection) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		c.logger.Warn("setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("writing ping", "error", err)
		}
		return false
	}
	return true
}

// flushAndClose performs the drain: best-effort delivery of queued frames
// followed by the close frame carrying the session's close code.
func (c *Connection) flushAndClose() {
	for {
		select {
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		default:
			code := c.closeCode
			if code == 0 {
				code = protocol.CloseNormal
			}
			deadline := time.Now().Add(time.Second)
			message := websocket.FormatCloseMessage(code, c.closeReason)
			if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil && !isExpectedCloseError(err) {
				c.logger.Debug("writing close frame", "error", err)
			}
			return
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection
// teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
