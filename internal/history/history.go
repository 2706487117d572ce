// Package history persists chat messages as a durable append-only log per
// room. The collaboration server appends before broadcasting so that every
// delivered message is guaranteed to be found in history afterwards.
package history

import (
	"context"
	"time"
)

// Cursor identifies a position in a room's log. Cursors are strictly
// increasing in append order within a store.
type Cursor int64

// Message is one persisted chat message.
type Message struct {
	ID         string
	Room       string
	SenderID   string
	SenderName string
	Text       string
	SentAt     time.Time
}

// Store is the durable append-only log consumed by the collaboration
// server. Implementations must be safe for concurrent use.
type Store interface {
	// Append persists one message and returns its cursor.
	Append(ctx context.Context, room string, msg Message) (Cursor, error)
	// ListSince returns messages in append order starting at the given
	// cursor, inclusive, so the cursor returned by Append always finds the
	// appended message.
	ListSince(ctx context.Context, room string, cursor Cursor) ([]Message, error)
}

// StoreError reports a store failure. Chat senders may resubmit after a
// store error; the message was never broadcast.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "history: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
