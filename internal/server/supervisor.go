// Package server admits new WebSocket sessions: authentication, rate
// limiting, room attachment, and lifecycle supervision.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planhub/collab/internal/protocol"
)

// ServeWS handles WebSocket upgrade requests on
// /ws/{surface}/{roomId}/?token={credential}. A session moves through
// connecting -> authenticating -> active; auth failures close with 4401
// before any room is joined, and identities reconnecting too fast are
// closed with 4429.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed; WebSocket endpoint only accepts GET", http.StatusMethodNotAllowed)
		return
	}

	surface, roomName, err := parseWSPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	kind, ok := protocol.KindForSurface(surface)
	if !ok {
		http.Error(w, "unknown surface "+surface, http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Past this point the HTTP response is gone; failures are reported
	// through WebSocket close codes.
	identity, err := h.verifier.Verify(r.Context(), credentialFromRequest(r))
	if err != nil {
		h.logger.Warn("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		closeHandshake(ws, protocol.CloseAuthFailed, "authentication failed")
		return
	}

	if kind == protocol.KindUser && roomName != identity.UserID {
		h.logger.Warn("notification subscription for foreign user rejected",
			"remote", r.RemoteAddr, "user", identity.UserID, "requested", roomName)
		closeHandshake(ws, protocol.CloseAuthFailed, "cannot subscribe to another user's notifications")
		return
	}

	if !h.connLimiter.allow(identity.UserID) {
		h.logger.Warn("connection rate limit exceeded", "user", identity.UserID)
		closeHandshake(ws, protocol.CloseRateLimited, "too many connections")
		return
	}

	conn := newConnection(ws, h, identity, r.RemoteAddr)
	conn.setState(stateAuthenticating)

	// Attach rooms before the pumps start so the session observes every
	// broadcast from its first moment of membership, its own presence
	// announcement included.
	userRoom := protocol.UserRoom(identity.UserID)
	h.registry.Join(userRoom, protocol.KindUser, conn)
	conn.trackRoom(userRoom, protocol.KindUser)

	var presenceRoom string
	if kind != protocol.KindUser {
		presenceRoom = protocol.RoomID(kind, roomName)
		h.registry.Join(presenceRoom, kind, conn)
		conn.trackRoom(presenceRoom, kind)
	}

	conn.setState(stateActive)
	h.register <- conn

	if presenceRoom != "" {
		h.presence.Joined(presenceRoom, identity)
	}
}

// parseWSPath extracts the surface and room from /ws/{surface}/{roomId}/.
func parseWSPath(path string) (surface, room string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "ws" {
		return "", "", fmt.Errorf("not a websocket path: %s", path)
	}
	surface = parts[1]
	room = parts[2]
	if surface == "" || room == "" {
		return "", "", fmt.Errorf("surface and room are required")
	}
	return surface, room, nil
}

// credentialFromRequest extracts the bearer credential from the token
// query parameter, falling back to the Authorization header.
func credentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if bearer, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(bearer)
	}
	return ""
}

// closeHandshake rejects a freshly upgraded connection with a close code
// before it was ever registered.
func closeHandshake(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, message, deadline)
	_ = ws.Close()
}
