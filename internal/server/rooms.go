// Package server coordinates room membership and fan-out for the
// collaboration system via the RoomRegistry type.
package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/planhub/collab/internal/protocol"
)

// room is one fan-out scope. Membership, the sequence counter, and the
// broadcast critical section are all guarded by the room's own mutex so
// broadcasts to different rooms never contend.
type room struct {
	mu        sync.Mutex
	id        string
	kind      protocol.RoomKind
	members   map[string]*Connection
	seq       int64
	destroyed bool
}

func newRoom(id string, kind protocol.RoomKind) *room {
	return &room{
		id:      id,
		kind:    kind,
		members: make(map[string]*Connection),
	}
}

// RoomRegistry maps room ids to their member connections. Rooms are
// created lazily on first join and destroyed when membership reaches zero.
type RoomRegistry struct {
	rooms  *xsync.Map[string, *room]
	logger *slog.Logger

	// onStale is invoked, outside any room lock, for each recipient whose
	// delivery timed out or failed during a broadcast.
	onStale func(*Connection)
}

// NewRoomRegistry creates an empty registry. onStale may be nil.
func NewRoomRegistry(logger *slog.Logger, onStale func(*Connection)) *RoomRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomRegistry{
		rooms:   xsync.NewMap[string, *room](),
		logger:  logger,
		onStale: onStale,
	}
}

// Join adds a connection to a room, creating the room on first join.
func (r *RoomRegistry) Join(roomID string, kind protocol.RoomKind, conn *Connection) {
	for {
		rm, _ := r.rooms.LoadOrStore(roomID, newRoom(roomID, kind))
		rm.mu.Lock()
		if rm.destroyed {
			// Lost a race with teardown of the previous incarnation.
			rm.mu.Unlock()
			continue
		}
		rm.members[conn.id] = conn
		rm.mu.Unlock()
		return
	}
}

// Leave removes a connection from a room. A leave for a connection that
// was never a member is a no-op. The room is destroyed once its last
// member leaves.
func (r *RoomRegistry) Leave(roomID, connectionID string) {
	rm, ok := r.rooms.Load(roomID)
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, connectionID)
	empty := len(rm.members) == 0
	if empty {
		rm.destroyed = true
	}
	rm.mu.Unlock()

	if empty {
		r.rooms.Delete(roomID)
		r.logger.Debug("room destroyed", "room", roomID)
	}
}

// Broadcast stamps the envelope with the room's next sequence number and
// delivers it to every current member. Delivery to each recipient is
// bounded by the connection's send timeout; recipients that time out or
// fail are reported stale and never block the remaining deliveries. The
// stamp-and-deliver critical section gives every member the same
// room-local ordering. Returns the number of successful deliveries.
func (r *RoomRegistry) Broadcast(roomID string, env protocol.Envelope) int {
	return r.deliver(roomID, env, true)
}

// BroadcastEphemeral delivers an envelope without assigning a sequence
// number. Presence and typing announcements use it: they are best-effort
// and must not create gaps in the room's message ordering.
func (r *RoomRegistry) BroadcastEphemeral(roomID string, env protocol.Envelope) int {
	return r.deliver(roomID, env, false)
}

func (r *RoomRegistry) deliver(roomID string, env protocol.Envelope, sequenced bool) int {
	rm, ok := r.rooms.Load(roomID)
	if !ok {
		return 0
	}

	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return 0
	}

	env.Room = roomID
	if sequenced {
		rm.seq++
		env.Seq = rm.seq
	}
	if env.TS.IsZero() {
		env.TS = time.Now().UTC()
	}

	payload, err := json.Marshal(env)
	if err != nil {
		if sequenced {
			rm.seq--
		}
		rm.mu.Unlock()
		r.logger.Error("marshaling broadcast envelope", "room", roomID, "error", err)
		return 0
	}

	delivered := 0
	var stale []*Connection
	for _, member := range rm.members {
		if sendErr := member.enqueue(payload); sendErr != nil {
			stale = append(stale, member)
			continue
		}
		delivered++
	}
	rm.mu.Unlock()

	for _, conn := range stale {
		r.logger.Warn("dropping stale broadcast recipient", "room", roomID, "conn", conn.ID())
		if r.onStale != nil {
			r.onStale(conn)
		}
	}

	return delivered
}

// Members returns the connection ids currently subscribed to a room.
func (r *RoomRegistry) Members(roomID string) []string {
	rm, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// Sequence reports the last sequence number broadcast to a room.
func (r *RoomRegistry) Sequence(roomID string) int64 {
	rm, ok := r.rooms.Load(roomID)
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.seq
}

// Counts reports the number of live rooms and total memberships, for the
// stats endpoint.
func (r *RoomRegistry) Counts() (rooms, memberships int) {
	r.rooms.Range(func(_ string, rm *room) bool {
		rm.mu.Lock()
		if !rm.destroyed {
			rooms++
			memberships += len(rm.members)
		}
		rm.mu.Unlock()
		return true
	})
	return rooms, memberships
}
