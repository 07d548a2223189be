package realtime

import (
	"sync"

	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/protocol"
)

// Conn is one live client channel. Send never blocks; it reports false when
// the connection is gone or cannot take more frames.
type Conn interface {
	ID() string
	Send(ev protocol.ServerEvent) bool
}

// Registry maps users to their single live connection.
type Registry interface {
	Register(userID int, c Conn) (replaced Conn)
	Unregister(userID int, connID string) bool
	Lookup(userID int) (Conn, bool)
	ForEachOtherThan(userID int, fn func(userID int, c Conn))
}

// ConnectionRegistry is the in-process Registry. Callbacks run on a snapshot
// taken under the read lock, so a connection may already be gone by the time
// fn sends to it; Send then returns false.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[int]Conn
}

func NewRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[int]Conn)}
}

// Register stores c for userID, replacing any previous connection.
func (r *ConnectionRegistry) Register(userID int, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = c
	metrics.UsersOnline.Set(float64(len(r.conns)))
	return prev
}

// Unregister removes the entry only while it still points at connID. A
// stale connection closing after its user reconnected leaves the newer
// entry alone.
func (r *ConnectionRegistry) Unregister(userID int, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	if !ok || c.ID() != connID {
		return false
	}
	delete(r.conns, userID)
	metrics.UsersOnline.Set(float64(len(r.conns)))
	return true
}

func (r *ConnectionRegistry) Lookup(userID int) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *ConnectionRegistry) ForEachOtherThan(userID int, fn func(userID int, c Conn)) {
	type entry struct {
		userID int
		conn   Conn
	}
	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.conns))
	for id, c := range r.conns {
		if id != userID {
			snapshot = append(snapshot, entry{id, c})
		}
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		fn(e.userID, e.conn)
	}
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clear drops every entry. Used on shutdown.
func (r *ConnectionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[int]Conn)
	metrics.UsersOnline.Set(0)
}

// sendTo delivers ev to userID if reachable. An absent user is not an error.
func sendTo(reg Registry, userID int, ev protocol.ServerEvent) bool {
	c, ok := reg.Lookup(userID)
	if !ok {
		return false
	}
	return c.Send(ev)
}

func isOnline(reg Registry, userID int) bool {
	_, ok := reg.Lookup(userID)
	return ok
}

// broadcastExcept sends ev to every registered user but one and returns how
// many connections accepted it.
func broadcastExcept(reg Registry, userID int, ev protocol.ServerEvent) int {
	n := 0
	reg.ForEachOtherThan(userID, func(_ int, c Conn) {
		if c.Send(ev) {
			n++
		}
	})
	return n
}

// broadcast sends ev to every registered user. User ids are positive, so
// excluding 0 excludes nobody.
func broadcast(reg Registry, ev protocol.ServerEvent) int {
	return broadcastExcept(reg, 0, ev)
}
