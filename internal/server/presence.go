// Package server derives per-room presence state from connection lifecycle
// events and typing indicators via the PresenceTracker type.
package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/protocol"
)

// PresenceStatus is a user's aggregated state within one room.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusTyping  PresenceStatus = "typing"
	StatusOffline PresenceStatus = "offline"
)

// PresenceEntry is the readable view of one (room, user) presence record.
type PresenceEntry struct {
	Room        string
	UserID      string
	DisplayName string
	Status      PresenceStatus
	LastSeen    time.Time
}

type presenceKey struct {
	room string
	user string
}

// presenceRecord holds the live state for one (room, user). refs counts the
// user's connections in the room so a second browser tab never flips the
// user offline when the first one closes.
type presenceRecord struct {
	refs        int
	status      PresenceStatus
	displayName string
	lastSeen    time.Time
	typingTimer *time.Timer
}

// PresenceTracker owns all presence records. Every status transition is
// announced to the room through the registry's fan-out path.
type PresenceTracker struct {
	mu      sync.Mutex
	records map[presenceKey]*presenceRecord

	registry   *RoomRegistry
	typingIdle time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPresenceTracker creates a tracker that broadcasts presence changes
// through the given registry. typingIdle is the silence window after which
// a typing user reverts to online.
func NewPresenceTracker(registry *RoomRegistry, typingIdle time.Duration, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if typingIdle <= 0 {
		typingIdle = 2 * time.Second
	}
	return &PresenceTracker{
		records:    make(map[presenceKey]*presenceRecord),
		registry:   registry,
		typingIdle: typingIdle,
		logger:     logger,
		now:        time.Now,
	}
}

// Joined records one more connection for (room, user). The first
// connection transitions the user offline -> online and announces it.
func (p *PresenceTracker) Joined(roomID string, identity auth.Identity) {
	key := presenceKey{room: roomID, user: identity.UserID}

	p.mu.Lock()
	rec, ok := p.records[key]
	if ok {
		rec.refs++
		rec.lastSeen = p.now()
		p.mu.Unlock()
		return
	}
	p.records[key] = &presenceRecord{
		refs:        1,
		status:      StatusOnline,
		displayName: identity.DisplayName,
		lastSeen:    p.now(),
	}
	roster := p.onlineUsersLocked(roomID)
	p.mu.Unlock()

	p.broadcastRoster(protocol.TypeUserJoined, roomID, identity.UserID, roster)
}

// Left records one fewer connection for (room, user). Only the last
// detach transitions the user to offline; the record is removed
// synchronously so no online entry ever outlives its connections.
func (p *PresenceTracker) Left(roomID, userID string) {
	key := presenceKey{room: roomID, user: userID}

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.refs--
	if rec.refs > 0 {
		p.mu.Unlock()
		return
	}
	if rec.typingTimer != nil {
		rec.typingTimer.Stop()
	}
	delete(p.records, key)
	roster := p.onlineUsersLocked(roomID)
	p.mu.Unlock()

	p.broadcastRoster(protocol.TypeUserLeft, roomID, userID, roster)
}

// Typing applies a typing indicator. A typing start (re)arms the silence
// timer; every further keystroke event pushes the revert out again. The
// timer doubles as the server-side safety net against stuck indicators
// when a client disconnects mid-type.
func (p *PresenceTracker) Typing(roomID string, identity auth.Identity, isTyping bool) {
	key := presenceKey{room: roomID, user: identity.UserID}

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok {
		// Typing from a connection with no presence record is best-effort
		// noise; drop it.
		p.mu.Unlock()
		return
	}
	rec.lastSeen = p.now()

	var announce bool
	if isTyping {
		announce = rec.status != StatusTyping
		rec.status = StatusTyping
		if rec.typingTimer != nil {
			rec.typingTimer.Stop()
		}
		rec.typingTimer = time.AfterFunc(p.typingIdle, func() {
			p.expireTyping(roomID, identity.UserID)
		})
	} else {
		if rec.typingTimer != nil {
			rec.typingTimer.Stop()
			rec.typingTimer = nil
		}
		announce = rec.status == StatusTyping
		rec.status = StatusOnline
	}
	p.mu.Unlock()

	if announce {
		p.broadcastTyping(roomID, identity.UserID, isTyping)
	}
}

// expireTyping reverts a typing user to online after the silence window.
func (p *PresenceTracker) expireTyping(roomID, userID string) {
	key := presenceKey{room: roomID, user: userID}

	p.mu.Lock()
	rec, ok := p.records[key]
	if !ok || rec.status != StatusTyping {
		p.mu.Unlock()
		return
	}
	rec.status = StatusOnline
	rec.typingTimer = nil
	p.mu.Unlock()

	p.broadcastTyping(roomID, userID, false)
}

// Status returns the current status for (room, user), offline when no
// record exists.
func (p *PresenceTracker) Status(roomID, userID string) PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[presenceKey{room: roomID, user: userID}]
	if !ok {
		return StatusOffline
	}
	return rec.status
}

// Snapshot lists the presence entries for a room, sorted by user id.
func (p *PresenceTracker) Snapshot(roomID string) []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entries []PresenceEntry
	for key, rec := range p.records {
		if key.room != roomID {
			continue
		}
		entries = append(entries, PresenceEntry{
			Room:        key.room,
			UserID:      key.user,
			DisplayName: rec.displayName,
			Status:      rec.status,
			LastSeen:    rec.lastSeen,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

func (p *PresenceTracker) onlineUsersLocked(roomID string) []string {
	var users []string
	for key := range p.records {
		if key.room == roomID {
			users = append(users, key.user)
		}
	}
	sort.Strings(users)
	return users
}

func (p *PresenceTracker) broadcastRoster(frameType, roomID, userID string, roster []string) {
	payload := protocol.PresencePayload{User: userID, OnlineUsers: roster}
	env, err := protocol.NewEnvelope(frameType, roomID, payload, "", p.now().UTC())
	if err != nil {
		p.logger.Error("building presence envelope", "error", err)
		return
	}
	p.registry.BroadcastEphemeral(roomID, env)
}

func (p *PresenceTracker) broadcastTyping(roomID, userID string, isTyping bool) {
	status := StatusOnline
	if isTyping {
		status = StatusTyping
	}
	payload := protocol.TypingPayload{User: userID, IsTyping: isTyping, Status: string(status)}
	env, err := protocol.NewEnvelope(protocol.TypeTyping, roomID, payload, "", p.now().UTC())
	if err != nil {
		p.logger.Error("building typing envelope", "error", err)
		return
	}
	p.registry.BroadcastEphemeral(roomID, env)
}
