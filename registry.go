package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Registry tracks the live connections of this process grouped by room.
// Register/Unregister hold the registry lock while touching a room so an empty
// room is never dropped from the table while a new connection is joining it.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// Register adds c to its room. Session ids need not be unique. Once CloseAll has
// run, c is closed with a going-away status instead of being added.
func (reg *Registry) Register(c *Conn) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		c.Close(websocket.CloseGoingAway, "server-shutdown")
		reg.logger.Info("rejected connection during shutdown", "room", c.room, "sid", c.sid, "conn", c.id)
		return
	}
	room, ok := reg.rooms[c.room]
	if !ok {
		room = NewRoom(c.room)
		reg.rooms[c.room] = room
	}
	room.Add(c)
	count := room.ConnCount()
	reg.mu.Unlock()

	reg.logger.Info("connection joined room", "room", c.room, "sid", c.sid, "conn", c.id, "connections", count)
}

// Unregister removes exactly c from its room. Calling it for a connection that
// is already gone is a no-op.
func (reg *Registry) Unregister(c *Conn) {
	reg.mu.Lock()
	room, ok := reg.rooms[c.room]
	if !ok {
		reg.mu.Unlock()
		return
	}
	removed := room.Remove(c)
	count := room.ConnCount()
	if count == 0 {
		delete(reg.rooms, c.room)
	}
	reg.mu.Unlock()

	if removed {
		reg.logger.Info("connection left room", "room", c.room, "sid", c.sid, "conn", c.id, "connections", count)
	}
}

// Snapshot returns the connections currently registered under room.
func (reg *Registry) Snapshot(room string) []*Conn {
	reg.mu.RLock()
	r, ok := reg.rooms[room]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Snapshot()
}

// All returns every registered connection across every room.
func (reg *Registry) All() []*Conn {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	var out []*Conn
	for _, r := range rooms {
		out = append(out, r.Snapshot()...)
	}
	return out
}

// Broadcast fans data out to room, skipping connections with session id exceptSID.
func (reg *Registry) Broadcast(room, exceptSID string, data []byte) int {
	reg.mu.RLock()
	r, ok := reg.rooms[room]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Broadcast(exceptSID, data)
}

func (reg *Registry) Stats() (rooms, conns int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rooms = len(reg.rooms)
	for _, r := range reg.rooms {
		conns += r.ConnCount()
	}
	return rooms, conns
}

// CloseAll closes every connection with a going-away status and waits until
// each close frame has been attempted or ctx expires. Later registrations are
// refused.
func (reg *Registry) CloseAll(ctx context.Context) {
	reg.mu.Lock()
	reg.closed = true
	reg.mu.Unlock()

	conns := reg.All()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server-shutdown")
	}
	for _, c := range conns {
		if err := c.Wait(ctx); err != nil {
			reg.logger.Warn("connection close not confirmed", "room", c.room, "conn", c.id, "error", err)
		}
	}
	reg.logger.Info("closed all connections", "count", len(conns))
}
