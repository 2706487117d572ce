// Package server coordinates session registration, room fan-out, and
// connection cleanup for the collaboration system via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
)

// Hub owns every registry of the collaboration layer: the room registry,
// the presence tracker, the message router, and the table of live
// connections. Hubs are explicitly constructed and passed by reference so
// tests can run isolated instances side by side.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	verifier auth.Verifier
	store    history.Store

	registry    *RoomRegistry
	presence    *PresenceTracker
	router      *MessageRouter
	connLimiter *identityLimiter
	origins     *originPolicy

	mu          sync.RWMutex
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a Hub ready to supervise sessions.
func NewHub(cfg Config, verifier auth.Verifier, store history.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		verifier:    verifier,
		store:       store,
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	h.registry = NewRoomRegistry(logger, h.dropStale)
	h.presence = NewPresenceTracker(h.registry, cfg.TypingIdle, logger)
	h.router = NewMessageRouter(h.registry, h.presence, store, logger)
	h.connLimiter = newIdentityLimiter(cfg.ConnectLimit)
	h.origins = newOriginPolicy(cfg.AllowedOrigins, logger)
	return h
}

// Registry exposes the room registry, primarily for the stats endpoint.
func (h *Hub) Registry() *RoomRegistry { return h.registry }

// Presence exposes the presence tracker for anyone rendering a room's
// online-user list.
func (h *Hub) Presence() *PresenceTracker { return h.presence }

// History exposes the backing store for history reads.
func (h *Hub) History() history.Store { return h.store }

// Run starts the hub's main event loop, handling session registration,
// unregistration, and shutdown. It should be called in its own goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.drainAll()
			return

		case conn := <-h.register:
			if conn == nil {
				h.logger.Warn("received nil connection registration; skipping")
				continue
			}

			h.mu.Lock()
			h.connections[conn.id] = conn
			count := len(h.connections)
			h.mu.Unlock()
			h.logger.Info("session registered", "conn", conn.addr, "user", conn.UserID(), "total", count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				conn.writePump()
			}()
			go func() {
				defer h.wg.Done()
				conn.readPump()
			}()

		case conn := <-h.unregister:
			h.detach(conn)
		}
	}
}

// detach releases everything a session holds: its entry in the connection
// table, its room memberships, and its presence records. Safe to call for
// a connection that was never registered or is already detached.
func (h *Hub) detach(conn *Connection) {
	h.mu.Lock()
	_, registered := h.connections[conn.id]
	delete(h.connections, conn.id)
	count := len(h.connections)
	h.mu.Unlock()

	conn.closeWithCode(protocol.CloseNormal, "")

	for roomID, kind := range conn.roomSnapshot() {
		h.registry.Leave(roomID, conn.id)
		if kind == protocol.KindChat || kind == protocol.KindProject {
			h.presence.Left(roomID, conn.UserID())
		}
	}

	if registered {
		h.logger.Info("session unregistered", "conn", conn.addr, "user", conn.UserID(), "total", count)
	}
}

// dropStale is the registry's cleanup hook for recipients whose deliveries
// time out. Closing the transport unwinds the pumps, which funnel into the
// regular detach path.
func (h *Hub) dropStale(conn *Connection) {
	conn.closeWithCode(protocol.CloseInternal, "send buffer full")
}

// drainAll gracefully drains every active session during shutdown.
func (h *Hub) drainAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.logger.Info("draining all sessions", "count", len(conns))
	for _, conn := range conns {
		conn.drain(protocol.CloseNormal, "server shutting down")
	}
}

// ConnectionCount reports the number of live sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown initiates graceful shutdown and waits for all session
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached; some sessions may still be draining")
		return context.DeadlineExceeded
	}
}
