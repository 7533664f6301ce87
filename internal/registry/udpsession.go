package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPSession is one muxed UDP "connection": a client
// address on the server side paired with a connectionId the agent uses to
// correlate reply datagrams. Socket is the shared bound UDP socket for the
// owning forward, kept here so a reply can be written back without a
// second lookup.
type UDPSession struct {
	ConnectionID string
	ForwardID    string
	AgentID      string
	ClientAddr   *net.UDPAddr
	Socket       *net.UDPConn

	lastActive atomic.Int64 // unix nano
}

// Touch marks the session as active now, resetting its idle clock.
func (s *UDPSession) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleFor reports how long it has been since the session was last touched.
func (s *UDPSession) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *UDPSession) clientKey() string {
	return s.ForwardID + "|" + s.ClientAddr.String()
}

// UDPSessionTable maps both connectionId and (forward, client address) to a
// session, so a repeat datagram from the same client reuses its session
// instead of minting a new connectionId.
type UDPSessionTable struct {
	mu       sync.Mutex
	byID     map[string]*UDPSession
	byClient map[string]*UDPSession
}

// NewUDPSessionTable returns an empty table.
func NewUDPSessionTable() *UDPSessionTable {
	return &UDPSessionTable{
		byID:     make(map[string]*UDPSession),
		byClient: make(map[string]*UDPSession),
	}
}

// GetOrCreate returns the existing session for (forwardID, addr) or creates
// one using newID to mint a connectionId. created reports whether a new
// session was minted.
func (t *UDPSessionTable) GetOrCreate(forwardID, agentID string, addr *net.UDPAddr, socket *net.UDPConn, newID func() string) (sess *UDPSession, created bool) {
	key := forwardID + "|" + addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byClient[key]; ok {
		s.Touch()
		return s, false
	}
	s := &UDPSession{ConnectionID: newID(), ForwardID: forwardID, AgentID: agentID, ClientAddr: addr, Socket: socket}
	s.Touch()
	t.byID[s.ConnectionID] = s
	t.byClient[key] = s
	return s, true
}

// GetByID looks up a session by connectionId.
func (t *UDPSessionTable) GetByID(id string) (*UDPSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// Remove deletes s from both indexes, identity-checked against the
// connectionId index the same way PendingTable/ListenerRegistry do.
func (t *UDPSessionTable) Remove(s *UDPSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byID[s.ConnectionID]
	if !ok || cur != s {
		return false
	}
	delete(t.byID, s.ConnectionID)
	delete(t.byClient, s.clientKey())
	return true
}

// RemoveAllForAgent snapshots and removes every session owned by agentID.
func (t *UDPSessionTable) RemoveAllForAgent(agentID string) []*UDPSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []*UDPSession
	for id, s := range t.byID {
		if s.AgentID == agentID {
			delete(t.byID, id)
			delete(t.byClient, s.clientKey())
			removed = append(removed, s)
		}
	}
	return removed
}

// ReapIdle removes and returns every session idle longer than maxIdle.
func (t *UDPSessionTable) ReapIdle(maxIdle time.Duration) []*UDPSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idle []*UDPSession
	for id, s := range t.byID {
		if s.IdleFor() > maxIdle {
			delete(t.byID, id)
			delete(t.byClient, s.clientKey())
			idle = append(idle, s)
		}
	}
	return idle
}
