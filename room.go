package main

import (
	"slices"
	"sync"
)

// Room is the set of live connections that joined one room in this process,
// keyed by the connection's process-unique id.
type Room struct {
	id    string
	mu    sync.RWMutex
	conns map[uint64]*Conn
}

func NewRoom(id string) *Room {
	return &Room{
		id:    id,
		conns: make(map[uint64]*Conn),
	}
}

func (r *Room) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove deletes c and reports whether it was present.
func (r *Room) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	return true
}

func (r *Room) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of the room's connections in join order. The copy is
// stable: later Add/Remove calls do not affect it.
func (r *Room) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Conn) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Broadcast queues data on every connection except those whose session id is
// exceptSID. Closed connections are skipped. Returns the number of deliveries.
func (r *Room) Broadcast(exceptSID string, data []byte) int {
	delivered := 0
	for _, c := range r.Snapshot() {
		if c.sid == exceptSID {
			continue
		}
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}
