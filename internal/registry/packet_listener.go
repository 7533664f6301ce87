package registry

import (
	"net"
	"sync"
)

// PacketListenerEntry is a server-side UDP socket bound on behalf of an
// agent's forward-direction UDP forward. It mirrors
// ListenerEntry but holds a *net.UDPConn rather than a net.Listener, since
// UDP forwarding has no accept loop: datagrams are read directly off the
// bound socket and muxed onto the control channel.
type PacketListenerEntry struct {
	RemotePort uint16
	AgentID    string
	ForwardID  string
	Conn       *net.UDPConn
}

// PacketListenerRegistry tracks every UDP socket bound on the server,
// keyed by remote_port, with the same global-port-uniqueness and
// identity-based compare-and-delete guarantees as ListenerRegistry.
type PacketListenerRegistry struct {
	mu      sync.Mutex
	entries map[uint16]*PacketListenerEntry
}

// NewPacketListenerRegistry returns an empty registry.
func NewPacketListenerRegistry() *PacketListenerRegistry {
	return &PacketListenerRegistry{entries: make(map[uint16]*PacketListenerEntry)}
}

// Insert binds entry iff remote_port is not already owned.
func (r *PacketListenerRegistry) Insert(entry *PacketListenerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.RemotePort]; exists {
		return false
	}
	r.entries[entry.RemotePort] = entry
	return true
}

// Get returns the socket bound on remotePort, if any.
func (r *PacketListenerRegistry) Get(remotePort uint16) (*PacketListenerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[remotePort]
	return e, ok
}

// Remove deletes the entry at remotePort only if it is identically entry.
func (r *PacketListenerRegistry) Remove(entry *PacketListenerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[entry.RemotePort]
	if !ok || cur != entry {
		return false
	}
	delete(r.entries, entry.RemotePort)
	return true
}

// RemoveAllForAgent snapshots and removes every socket owned by agentID.
// Callers must still Close() each returned *net.UDPConn.
func (r *PacketListenerRegistry) RemoveAllForAgent(agentID string) []*PacketListenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*PacketListenerEntry
	for port, e := range r.entries {
		if e.AgentID == agentID {
			delete(r.entries, port)
			removed = append(removed, e)
		}
	}
	return removed
}

// ForAgent returns a snapshot of the sockets currently owned by agentID.
func (r *PacketListenerRegistry) ForAgent(agentID string) []*PacketListenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PacketListenerEntry
	for _, e := range r.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}
