// ABOUTME: In-memory registry of live agent connections keyed by client identity.
// ABOUTME: Single source of truth for "is this agent currently reachable".

package session

import (
	"log/slog"
	"sync"
)

// Registry maps client identities to live connections. It holds no
// persistence: on process restart it is reconstructed from fresh connections
// and any persisted client records are stale until an agent re-registers.
type Registry struct {
	conns  map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger.With("component", "registry"),
	}
}

// Register stores the connection for the given identity, unconditionally
// replacing any prior connection registered under the same identity.
// Returns the replaced connection, or nil if the identity was not registered.
func (r *Registry) Register(id string, conn *Conn) *Conn {
	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"client_id", id,
		"hostname", conn.Hostname,
		"remote_addr", conn.RemoteAddr,
		"replaced", prev != nil,
		"total_agents", total,
	)
	return prev
}

// Lookup returns the live connection for an identity, if any.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Remove deletes the registry entry for id only if the stored connection is
// the one being torn down. A disconnect for a handle that was already
// replaced by a newer connection must not evict the newer one: teardown and
// replacement can race, and this check is what keeps that race harmless.
// Returns true if the entry was removed.
func (r *Registry) Remove(id string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[id]
	if !ok || current != conn {
		return false
	}

	delete(r.conns, id)
	r.logger.Info("agent unregistered",
		"client_id", id,
		"total_agents", len(r.conns),
	)
	return true
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
