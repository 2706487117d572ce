// Package protocol defines the wire format shared by the collaboration
// server and its clients: envelopes, frame types, room identifiers, and
// WebSocket close codes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame types recognized on the wire. Unknown types are tolerated by the
// server for forward compatibility and dropped without closing the
// connection.
const (
	TypeChatMessage  = "chat_message"
	TypeTyping       = "typing"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeNotification = "notification"
	TypeTaskUpdate   = "task_update"
	TypeError        = "error"
)

// Close codes used by the server. Codes in the 4xxx range are
// application-defined; clients key their reconnect behavior off them.
const (
	CloseNormal      = 1000
	CloseInternal    = 1011
	CloseAuthFailed  = 4401
	CloseRateLimited = 4429
)

// Envelope is the unit of real-time communication. It is immutable once
// constructed; the room sequence number is stamped by the server at
// broadcast time and is strictly increasing per room.
type Envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	TS      time.Time       `json:"ts"`
	Seq     int64           `json:"seq,omitempty"`
}

// NewEnvelope builds an envelope with a marshaled payload. The sequence
// number is left unassigned.
func NewEnvelope(frameType, room string, payload any, sender string, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Envelope{
		Type:    frameType,
		Room:    room,
		Payload: raw,
		Sender:  sender,
		TS:      ts,
	}, nil
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses a raw wire frame. It only enforces structural validity; the
// router is responsible for rejecting frames whose semantics are invalid.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// ChatPayload carries a chat message body. MessageID and Cursor are filled
// by the server on the broadcast copy once the message has been persisted.
type ChatPayload struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
	Cursor    int64  `json:"cursor,omitempty"`
}

// TypingPayload carries a typing indicator. Inbound frames set IsTyping;
// outbound presence-change frames also name the user and resulting status.
type TypingPayload struct {
	User     string `json:"user,omitempty"`
	IsTyping bool   `json:"is_typing"`
	Status   string `json:"status,omitempty"`
}

// TaskUpdatePayload mirrors a task edit for live UI sync. The durable write
// happens in the CRUD layer; this path is notify-only.
type TaskUpdatePayload struct {
	TaskID    string          `json:"task_id"`
	ProjectID string          `json:"project_id,omitempty"`
	Updates   json.RawMessage `json:"updates,omitempty"`
}

// PresencePayload announces a roster change within a room.
type PresencePayload struct {
	User        string   `json:"user"`
	OnlineUsers []string `json:"online_users"`
}

// ErrorPayload is returned to a sender whose frame was rejected. Retryable
// signals that resubmitting the same frame may succeed (e.g. a transient
// store failure).
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
