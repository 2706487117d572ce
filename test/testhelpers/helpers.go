// Package testhelpers provides utilities for integration tests that run a
// full collaboration hub behind a real HTTP server.
package testhelpers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
	"github.com/planhub/collab/internal/server"
)

// Tokens accepted by the test verifier.
const (
	AliceToken = "alice-token"
	BobToken   = "bob-token"
)

// StartServer runs a hub with an in-memory history store behind an httptest
// server and returns the hub plus the ws:// base URL. Everything is torn
// down via t.Cleanup.
func StartServer(t *testing.T, mutate func(*server.Config)) (*server.Hub, string) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	if mutate != nil {
		mutate(&cfg)
	}

	verifier := auth.NewStaticVerifier(map[string]auth.Identity{
		AliceToken: {UserID: "alice", DisplayName: "Alice"},
		BobToken:   {UserID: "bob", DisplayName: "Bob"},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := server.NewHub(cfg, verifier, history.NewMemoryStore(), logger)
	go hub.Run()

	srv := httptest.NewServer(hub.Routes())
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Dial opens a WebSocket session against a surface and room.
func Dial(t *testing.T, baseURL, surface, room, token string) *websocket.Conn {
	t.Helper()

	target := fmt.Sprintf("%s/ws/%s/%s/?token=%s", baseURL, surface, room, url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadEnvelope reads and decodes the next frame within a deadline.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

// ReadUntil reads frames until one of the wanted type arrives, failing the
// test if it never does.
func ReadUntil(t *testing.T, conn *websocket.Conn, frameType string) protocol.Envelope {
	t.Helper()

	for i := 0; i < 20; i++ {
		env := ReadEnvelope(t, conn)
		if env.Type == frameType {
			return env
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return protocol.Envelope{}
}

// ReadCloseCode reads until the connection fails and returns the WebSocket
// close code the server sent, or -1 if the failure carried none.
func ReadCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return closeErr.Code
			}
			return -1
		}
	}
}

// WriteEnvelope sends one envelope on the session.
func WriteEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()

	raw, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}
