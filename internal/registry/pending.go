// Package registry holds the shared, concurrently-mutated tables the
// control plane coordinates through: the pending table, the listener
// registry and the agent registry. The pending table and listener
// registries provide atomic insert-if-absent (the agent registry instead
// supersedes the previous session on Register), and all of them provide a
// compare-and-delete keyed on entry identity (not just the lookup key) so a timeout firing
// after an entry has already been rebound or removed is a safe no-op
// rather than a use-after-free or an ABA-style double-delete.
package registry

import (
	"net"
	"sync"
	"time"
)

// PendingKind distinguishes which side of a forward a Pending is holding.
type PendingKind int

const (
	// PendingUser holds the external user-facing socket awaiting its data twin
	// (server side: forward TCP and forward dynamic, waiting on the agent;
	// agent side: reverse TCP and reverse dynamic, waiting on the server).
	PendingUser PendingKind = iota
	// PendingTarget holds a server-dialed target socket awaiting the agent's
	// data connection (reverse TCP, reverse dynamic).
	PendingTarget
)

// Pending is a short-lived record matching one side of a connection with
// its yet-to-arrive twin.
type Pending struct {
	ID        string
	ForwardID string
	AgentID   string
	Kind      PendingKind
	Conn      net.Conn

	mu    sync.Mutex
	timer *time.Timer
}

// NewPending constructs a Pending. Callers insert it into a PendingTable
// and then call StartTimeout to arm its deadline.
func NewPending(id, forwardID, agentID string, kind PendingKind, conn net.Conn) *Pending {
	return &Pending{ID: id, ForwardID: forwardID, AgentID: agentID, Kind: kind, Conn: conn}
}

// StartTimeout arms a deadline timer that calls onExpire if this exact
// Pending is still the one registered under its ID when the timer fires.
func (p *Pending) StartTimeout(table *PendingTable, d time.Duration, onExpire func(*Pending)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(d, func() {
		if table.Remove(p.ID, p) {
			onExpire(p)
		}
	})
}

// stopTimeout cancels the deadline timer, if any. Safe to call more than once.
func (p *Pending) stopTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// PendingTable is the shared map of in-flight Pending entries.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*Pending)}
}

// Insert adds p under p.ID if no entry exists for that ID yet. Returns
// false if an entry is already present (callers should treat this as a
// programmer error — IDs are generator-unique — rather than retry).
func (t *PendingTable) Insert(p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[p.ID]; exists {
		return false
	}
	t.entries[p.ID] = p
	return true
}

// Get looks up a Pending by ID without removing it.
func (t *PendingTable) Get(id string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	return p, ok
}

// Remove deletes the entry at id only if the currently stored value is
// exactly p (pointer identity). Returns whether the removal happened —
// this is the compare-and-delete requires so that whichever of
// {data-join, deadline, session-teardown} runs first wins the race and
// the loser becomes a no-op. On a successful removal the deadline timer,
// if any, is stopped.
func (t *PendingTable) Remove(id string, p *Pending) bool {
	t.mu.Lock()
	cur, ok := t.entries[id]
	if !ok || cur != p {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, id)
	t.mu.Unlock()

	p.stopTimeout()
	return true
}

// RemoveAllForAgent atomically snapshots and removes every Pending owned
// by agentID, for control-session teardown. Each returned Pending has already had its timer
// stopped and is no longer reachable via Get/Remove.
func (t *PendingTable) RemoveAllForAgent(agentID string) []*Pending {
	t.mu.Lock()
	var removed []*Pending
	for id, p := range t.entries {
		if p.AgentID == agentID {
			delete(t.entries, id)
			removed = append(removed, p)
		}
	}
	t.mu.Unlock()

	for _, p := range removed {
		p.stopTimeout()
	}
	return removed
}

// Len reports the number of currently pending entries (tests/metrics only).
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
