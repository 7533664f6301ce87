package registry

import "sync"

// SessionHandle is the minimal surface the AgentRegistry needs from a live
// control session, kept abstract here so this package doesn't import the
// server package (which in turn depends on registry) — avoids the
// ControlSession/Listener/Pending cyclic-reference problem the design
// notes call out by expressing ownership through ids and registries
// instead of mutual object references.
type SessionHandle interface {
	AgentID() string
	// Terminate tears the session down (close socket, fail owned
	// pendings, close owned listeners). Must be safe to call more than
	// once and must not itself call back into AgentRegistry.Unregister
	// synchronously while holding a lock the registry might need.
	Terminate(reason string)
}

// AgentRegistry maps live control sessions to agent IDs. At most one live
// session exists per AgentId at any time;
// registering a second session for an already-connected agent supersedes
// the first.
type AgentRegistry struct {
	mu       sync.Mutex
	sessions map[string]SessionHandle
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{sessions: make(map[string]SessionHandle)}
}

// Register installs h as the live session for h.AgentID(). If another
// session was already registered for that agent, it is returned so the
// caller can terminate it (outside any lock) — the old session is
// superseded, not merged.
func (r *AgentRegistry) Register(h SessionHandle) (old SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old = r.sessions[h.AgentID()]
	r.sessions[h.AgentID()] = h
	return old
}

// Unregister removes h from the registry only if it is still the current
// session for its agent (pointer identity) — if a newer session has
// already superseded it, this is a no-op so a late teardown can't evict
// the session that replaced it.
func (r *AgentRegistry) Unregister(h SessionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[h.AgentID()]
	if !ok || cur != h {
		return false
	}
	delete(r.sessions, h.AgentID())
	return true
}

// Get returns the live session for agentID, if any.
func (r *AgentRegistry) Get(agentID string) (SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[agentID]
	return h, ok
}

// Snapshot returns every currently-registered session.
func (r *AgentRegistry) Snapshot() []SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}
