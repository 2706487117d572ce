// Package server implements the real-time collaboration core: WebSocket
// session supervision, room-scoped fan-out with per-room ordering,
// presence tracking, and inbound frame routing.
//
// The implementation is organized into specialized files for the hub,
// connections, the room registry, presence, routing, and HTTP plumbing to
// keep the codebase maintainable and testable as the project grows.
package server
