package history

import (
	"context"
	"sync"
)

type memoryRow struct {
	cursor Cursor
	msg    Message
}

// MemoryStore keeps history in process memory. It backs tests and
// deployments that run without a configured history path.
type MemoryStore struct {
	mu   sync.Mutex
	next Cursor
	rows map[string][]memoryRow
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]memoryRow)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, room string, msg Message) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	msg.Room = room
	s.rows[room] = append(s.rows[room], memoryRow{cursor: s.next, msg: msg})
	return s.next, nil
}

// ListSince implements Store.
func (s *MemoryStore) ListSince(ctx context.Context, room string, cursor Cursor) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, row := range s.rows[room] {
		if row.cursor >= cursor {
			out = append(out, row.msg)
		}
	}
	return out, nil
}

// Len reports the number of messages stored for a room.
func (s *MemoryStore) Len(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[room])
}
