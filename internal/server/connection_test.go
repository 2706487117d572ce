package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
)

func TestEnqueueTimesOutWhenQueueFull(t *testing.T) {
	hub := newTestHub(t, func(cfg *Config) {
		cfg.SendQueueSize = 1
		cfg.SendTimeout = 20 * time.Millisecond
	})
	conn := newTestConn(hub, "alice", "Alice")

	require.NoError(t, conn.enqueue([]byte("first")))

	start := time.Now()
	err := conn.enqueue([]byte("second"))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, conn.ID(), sendErr.ConnectionID)
	assert.Contains(t, sendErr.Reason, "send buffer full")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	hub := newTestHub(t, nil)
	conn := newTestConn(hub, "alice", "Alice")

	conn.closeWithCode(protocol.CloseNormal, "")

	err := conn.enqueue([]byte("late"))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, sendErr.Reason, "closed")
}

func TestCloseWithCodeIsIdempotent(t *testing.T) {
	hub := newTestHub(t, nil)
	conn := newTestConn(hub, "alice", "Alice")

	conn.closeWithCode(protocol.CloseInternal, "first")
	conn.closeWithCode(protocol.CloseNormal, "second")

	assert.Equal(t, protocol.CloseInternal, conn.closeCode)
	assert.Equal(t, "first", conn.closeReason)
	assert.Equal(t, stateClosed, conn.currentState())

	select {
	case <-conn.done:
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRoomTracking(t *testing.T) {
	hub := newTestHub(t, nil)
	conn := newTestConn(hub, "alice", "Alice")

	conn.trackRoom("chat:standup", protocol.KindChat)
	conn.trackRoom("user:alice", protocol.KindUser)

	assert.True(t, conn.inRoom("chat:standup"))
	assert.False(t, conn.inRoom("chat:other"))

	snapshot := conn.roomSnapshot()
	assert.Equal(t, map[string]protocol.RoomKind{
		"chat:standup": protocol.KindChat,
		"user:alice":   protocol.KindUser,
	}, snapshot)

	// The snapshot is a copy; mutating it leaves the connection untouched.
	delete(snapshot, "chat:standup")
	assert.True(t, conn.inRoom("chat:standup"))
}

func TestReportErrorShapes(t *testing.T) {
	hub := newTestHub(t, nil)
	conn := newTestConn(hub, "alice", "Alice")

	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"validation", &ValidationError{Reason: "message text is empty"}, "invalid_argument", false},
		{"store", &history.StoreError{Op: "append", Err: errors.New("disk full")}, "unavailable", true},
		{"unknown", errors.New("boom"), "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.reportError(tt.err)

			env := recvEnvelope(t, conn)
			assert.Equal(t, protocol.TypeError, env.Type)

			var payload protocol.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			assert.Equal(t, tt.code, payload.Code)
			assert.Equal(t, tt.retryable, payload.Retryable)
		})
	}
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "authenticating", stateAuthenticating.String())
	assert.Equal(t, "active", stateActive.String())
	assert.Equal(t, "draining", stateDraining.String())
	assert.Equal(t, "closed", stateClosed.String())
}
