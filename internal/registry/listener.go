package registry

import (
	"net"
	"sync"
)

// ListenerEntry is one server-side TCP accept socket bound on behalf of an
// agent's forward.
type ListenerEntry struct {
	RemotePort uint16
	AgentID    string
	ForwardID  string
	Listener   net.Listener
}

// ListenerRegistry tracks every listener currently bound on the server,
// keyed by remote_port — ports are a global resource shared across all
// agents, so this registry (not a per-agent map) is what enforces "at no
// time do two listeners bind the same remote_port".
type ListenerRegistry struct {
	mu      sync.Mutex
	entries map[uint16]*ListenerEntry
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{entries: make(map[uint16]*ListenerEntry)}
}

// Insert binds entry into the registry iff remote_port is not already
// owned by a different listener. Returns false on conflict.
func (r *ListenerRegistry) Insert(entry *ListenerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.RemotePort]; exists {
		return false
	}
	r.entries[entry.RemotePort] = entry
	return true
}

// Get returns the listener entry bound on remotePort, if any.
func (r *ListenerRegistry) Get(remotePort uint16) (*ListenerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[remotePort]
	return e, ok
}

// Remove deletes the entry at remotePort only if it is identically entry
// (pointer identity) — see design note on ABA in listener ownership.
func (r *ListenerRegistry) Remove(entry *ListenerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[entry.RemotePort]
	if !ok || cur != entry {
		return false
	}
	delete(r.entries, entry.RemotePort)
	return true
}

// RemoveAllForAgent snapshots and removes every listener owned by
// agentID, for control-session teardown. Callers must still Close() each
// returned net.Listener.
func (r *ListenerRegistry) RemoveAllForAgent(agentID string) []*ListenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*ListenerEntry
	for port, e := range r.entries {
		if e.AgentID == agentID {
			delete(r.entries, port)
			removed = append(removed, e)
		}
	}
	return removed
}

// ForAgent returns a snapshot of the listeners currently owned by agentID.
func (r *ListenerRegistry) ForAgent(agentID string) []*ListenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ListenerEntry
	for _, e := range r.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}
