package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const chatSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL,
  room TEXT NOT NULL,
  sender_id TEXT NOT NULL,
  sender_name TEXT NOT NULL,
  body TEXT NOT NULL,
  sent_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_room ON chat_messages(room, id);
`

// SQLiteStore persists chat history in SQLite.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens a SQLite history store and bootstraps its schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(chatSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, room string, msg Message) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return 0, &StoreError{Op: "append", Err: fmt.Errorf("room is required")}
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO chat_messages (message_id, room, sender_id, sender_name, body, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID,
		room,
		msg.SenderID,
		msg.SenderName,
		msg.Text,
		toMillis(msg.SentAt),
	)
	if err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}
	return Cursor(id), nil
}

// ListSince implements Store.
func (s *SQLiteStore) ListSince(ctx context.Context, room string, cursor Cursor) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT message_id, room, sender_id, sender_name, body, sent_at
		 FROM chat_messages
		 WHERE room = ? AND id >= ?
		 ORDER BY id`,
		room,
		int64(cursor),
	)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var sentAt int64
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.SenderID, &msg.SenderName, &msg.Text, &sentAt); err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		msg.SentAt = fromMillis(sentAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return out, nil
}
