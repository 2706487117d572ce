package protocol

import "strings"

// RoomKind classifies the fan-out scope a room represents.
type RoomKind string

const (
	KindChat    RoomKind = "chat"
	KindProject RoomKind = "project"
	KindUser    RoomKind = "user"
)

// Connection URL surfaces. The surface segment of /ws/{surface}/{roomId}/
// selects the room kind the client subscribes to.
const (
	SurfaceChat          = "chat"
	SurfaceNotifications = "notifications"
	SurfaceProject       = "project"
)

// KindForSurface maps a URL surface to the room kind it subscribes to.
func KindForSurface(surface string) (RoomKind, bool) {
	switch surface {
	case SurfaceChat:
		return KindChat, true
	case SurfaceProject:
		return KindProject, true
	case SurfaceNotifications:
		return KindUser, true
	default:
		return "", false
	}
}

// RoomID builds the canonical room identifier for a kind and name.
func RoomID(kind RoomKind, name string) string {
	return string(kind) + ":" + name
}

// UserRoom returns the implicit per-user notification room for a user.
func UserRoom(userID string) string {
	return RoomID(KindUser, userID)
}

// SplitRoom decomposes a canonical room identifier into its kind and name.
func SplitRoom(roomID string) (RoomKind, string, bool) {
	kind, name, ok := strings.Cut(roomID, ":")
	if !ok || name == "" {
		return "", "", false
	}
	switch RoomKind(kind) {
	case KindChat, KindProject, KindUser:
		return RoomKind(kind), name, true
	default:
		return "", "", false
	}
}
