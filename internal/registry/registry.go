// Package registry keeps the open device connections of one gateway node.
package registry

import (
	"sync"
)

// Registry maps remote address to connection.
// A single exclusive lock covers every operation; Unregister and the
// sweeper never observe a half-updated map.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Register adds conn under addr, replacing any previous entry
func (r *Registry) Register(addr string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[addr] = conn
}

// Unregister removes addr. Removing an absent address is a no-op.
// It returns the removed connection, nil if there was none.
func (r *Registry) Unregister(addr string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[addr]
	if !ok {
		return nil
	}
	delete(r.conns, addr)
	return conn
}

// UnregisterIf removes addr only while it still maps to conn
func (r *Registry) UnregisterIf(addr string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[addr]; ok && cur == conn {
		delete(r.conns, addr)
		return true
	}
	return false
}

// Get returns the connection registered under addr
func (r *Registry) Get(addr string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[addr]
	return conn, ok
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ForEach calls visit for every entry while holding the lock.
// visit must not call back into the registry.
func (r *Registry) ForEach(visit func(addr string, conn *Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, conn := range r.conns {
		visit(addr, conn)
	}
}

// Snapshot returns a copy of the current entries
func (r *Registry) Snapshot() map[string]*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Connection, len(r.conns))
	for addr, conn := range r.conns {
		out[addr] = conn
	}
	return out
}
