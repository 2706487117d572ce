// Package server classifies inbound client frames and dispatches them to
// persistence, presence, and fan-out via the MessageRouter type.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/protocol"
)

// ValidationError rejects a single frame. The connection stays open and
// may send further frames.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid frame: " + e.Reason
}

// MessageRouter validates and classifies inbound frames, applies business
// rules, and hands accepted events to the registry for fan-out.
type MessageRouter struct {
	registry *RoomRegistry
	presence *PresenceTracker
	store    history.Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewMessageRouter wires a router to its collaborators.
func NewMessageRouter(registry *RoomRegistry, presence *PresenceTracker, store history.Store, logger *slog.Logger) *MessageRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageRouter{
		registry: registry,
		presence: presence,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle routes one raw inbound frame from a connection. Validation and
// store errors are returned to the caller for conversion into an error
// frame; unknown frame types are logged and dropped for forward
// compatibility.
func (r *MessageRouter) Handle(ctx context.Context, conn *Connection, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return &ValidationError{Reason: "malformed frame"}
	}

	roomID := strings.TrimSpace(env.Room)
	if roomID == "" {
		return &ValidationError{Reason: "room is required"}
	}
	if !conn.inRoom(roomID) {
		return &ValidationError{Reason: "not subscribed to room " + roomID}
	}

	switch env.Type {
	case protocol.TypeChatMessage:
		return r.handleChat(ctx, conn, roomID, env)
	case protocol.TypeTyping:
		return r.handleTyping(conn, roomID, env)
	case protocol.TypeTaskUpdate:
		return r.handleTaskUpdate(conn, roomID, env)
	default:
		r.logger.Debug("dropping frame with unknown type", "type", env.Type, "room", roomID)
		return nil
	}
}

// handleChat persists the message before any fan-out. A failed append
// returns the store error to the sender and broadcasts nothing, so no
// client ever sees a message that history cannot produce later.
func (r *MessageRouter) handleChat(ctx context.Context, conn *Connection, roomID string, env protocol.Envelope) error {
	var payload protocol.ChatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return &ValidationError{Reason: "malformed chat payload"}
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return &ValidationError{Reason: "message text is empty"}
	}

	msg := history.Message{
		ID:         uuid.NewString(),
		Room:       roomID,
		SenderID:   conn.UserID(),
		SenderName: conn.DisplayName(),
		Text:       text,
		SentAt:     r.now().UTC(),
	}
	cursor, err := r.store.Append(ctx, roomID, msg)
	if err != nil {
		return err
	}

	out, err := protocol.NewEnvelope(protocol.TypeChatMessage, roomID, protocol.ChatPayload{
		Text:      text,
		MessageID: msg.ID,
		Cursor:    int64(cursor),
	}, conn.UserID(), msg.SentAt)
	if err != nil {
		return err
	}
	r.registry.Broadcast(roomID, out)
	return nil
}

// handleTyping forwards the indicator to the presence tracker. Typing is
// never persisted and failures are invisible to the sender.
func (r *MessageRouter) handleTyping(conn *Connection, roomID string, env protocol.Envelope) error {
	var payload protocol.TypingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return &ValidationError{Reason: "malformed typing payload"}
	}
	r.presence.Typing(roomID, auth.Identity{UserID: conn.UserID(), DisplayName: conn.DisplayName()}, payload.IsTyping)
	return nil
}

// handleTaskUpdate revalidates the update against the room's project scope
// and rebroadcasts it verbatim. The durable task write happens in the CRUD
// layer; this path is notify-only and tolerates drops.
func (r *MessageRouter) handleTaskUpdate(conn *Connection, roomID string, env protocol.Envelope) error {
	kind, projectID, ok := protocol.SplitRoom(roomID)
	if !ok || kind != protocol.KindProject {
		return &ValidationError{Reason: "task updates are only valid in project rooms"}
	}

	var payload protocol.TaskUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return &ValidationError{Reason: "malformed task update payload"}
	}
	if strings.TrimSpace(payload.TaskID) == "" {
		return &ValidationError{Reason: "task_id is required"}
	}
	if payload.ProjectID != "" && payload.ProjectID != projectID {
		return &ValidationError{Reason: "task update project does not match room"}
	}

	out := protocol.Envelope{
		Type:    protocol.TypeTaskUpdate,
		Room:    roomID,
		Payload: env.Payload,
		Sender:  conn.UserID(),
		TS:      r.now().UTC(),
	}
	r.registry.Broadcast(roomID, out)
	return nil
}
