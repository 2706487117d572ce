package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVerifier() *auth.StaticVerifier {
	return auth.NewStaticVerifier(map[string]auth.Identity{
		"alice-token": {UserID: "alice", DisplayName: "Alice"},
		"bob-token":   {UserID: "bob", DisplayName: "Bob"},
	})
}

// newTestHub builds a hub with timeouts shrunk for tests. The hub loop is
// not started; tests drive the registry, presence tracker, and router
// directly.
func newTestHub(t *testing.T, mutate func(*Config)) *Hub {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SendTimeout = 50 * time.Millisecond
	cfg.TypingIdle = 40 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHub(cfg, testVerifier(), history.NewMemoryStore(), testLogger())
}

// newTestConn builds an active connection with no transport. Frames land on
// its send queue, where recvEnvelope picks them up.
func newTestConn(hub *Hub, userID, displayName string) *Connection {
	c := newConnection(nil, hub, auth.Identity{UserID: userID, DisplayName: displayName}, "test-"+userID)
	c.setState(stateActive)
	return c
}

// joinRoom subscribes a connection the way the supervisor does: registry
// membership plus the connection's own room table.
func joinRoom(hub *Hub, conn *Connection, roomID string, kind protocol.RoomKind) {
	hub.registry.Join(roomID, kind, conn)
	conn.trackRoom(roomID, kind)
}

func recvEnvelope(t *testing.T, conn *Connection) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-conn.send:
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func requireNoFrame(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case raw := <-conn.send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}
