// Package router tracks which live connections belong to which room and
// mediates broadcast. It is pure routing: message content never matters here.
package router

import (
	"log/slog"
	"strings"
	"sync"
)

// Conn is the transport surface the router needs. *WSConn implements it for
// gorilla websockets; tests use in-memory fakes.
type Conn interface {
	ID() string
	// Send marshals v as JSON and writes one frame. Implementations must be
	// safe for concurrent senders.
	Send(v any) error
	// Ready reports whether the transport can still accept writes.
	// Broadcast skips connections mid-teardown instead of erroring.
	Ready() bool
	Close(code int, reason string) error
}

// Router maps rooms to their live connections.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn // roomID -> connID -> conn
	byConn map[string]string          // connID -> roomID
	logger *slog.Logger
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	return &Router{
		rooms:  make(map[string]map[string]Conn),
		byConn: make(map[string]string),
		logger: logger.With("component", "router"),
	}
}

// Add registers conn in roomID, atomically moving it out of any previous
// room. The room's connection set is created lazily.
func (r *Router) Add(conn Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[conn.ID()]; ok {
		r.dropLocked(conn.ID(), prev)
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]Conn)
	}
	r.rooms[roomID][conn.ID()] = conn
	r.byConn[conn.ID()] = roomID
}

// Remove detaches conn from its room. An emptied connection set is removed;
// the room's document is untouched (eviction is the document store's policy).
func (r *Router) Remove(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[conn.ID()]
	if !ok {
		return
	}
	r.dropLocked(conn.ID(), roomID)
}

func (r *Router) dropLocked(connID, roomID string) {
	delete(r.byConn, connID)
	if set, ok := r.rooms[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Broadcast sends msg to every ready connection in roomID except exclude
// (which may be nil).
func (r *Router) Broadcast(roomID string, msg any, exclude Conn) {
	exceptID := ""
	if exclude != nil {
		exceptID = exclude.ID()
	}
	r.BroadcastExcept(roomID, msg, exceptID)
}

// BroadcastExcept is Broadcast keyed by connection id, for callers that
// only hold the originating id (the document update hook).
func (r *Router) BroadcastExcept(roomID string, msg any, exceptID string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		if exceptID != "" && c.ID() == exceptID {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.Ready() {
			continue
		}
		if err := c.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed", "room", roomID, "conn_id", c.ID(), "error", err)
		}
	}
}

// BroadcastToUser sends msg to every connection sitting in one of userID's
// rooms: rooms keyed "{userID}/..." plus the reserved landing room
// "user/{userID}". Used for notifications that are not room-scoped, like
// credit exhaustion.
func (r *Router) BroadcastToUser(userID string, msg any) {
	ownPrefix := userID + "/"
	landing := "user/" + userID

	r.mu.RLock()
	var conns []Conn
	for roomID, set := range r.rooms {
		if roomID != landing && !strings.HasPrefix(roomID, ownPrefix) {
			continue
		}
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.Ready() {
			continue
		}
		if err := c.Send(msg); err != nil {
			r.logger.Warn("user broadcast send failed", "user", userID, "conn_id", c.ID(), "error", err)
		}
	}
}

// ConnCount returns the number of connections attached to roomID.
func (r *Router) ConnCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// RoomOf returns the room a connection currently belongs to.
func (r *Router) RoomOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byConn[conn.ID()]
	return roomID, ok
}
