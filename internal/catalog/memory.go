package catalog

import (
	"context"
	"sync"
	"time"
)

// TrafficRecord is one flushed traffic-meter delta, as appended by
// AppendTraffic. Memory keeps these for test assertions.
type TrafficRecord struct {
	ForwardID string
	BytesIn   int64
	BytesOut  int64
	At        time.Time
}

// Memory is an in-process Adapter for tests and for standalone/demo runs
// that don't need real persistence. Agents and Forwards are seeded by the
// caller; it is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]Agent      // by ID
	tokens   map[string]string     // token -> agentID
	forwards map[string][]Forward  // agentID -> forwards
	traffic  []TrafficRecord

	reloadMu sync.Mutex
	onReload func(agentID string)
}

// NewMemory returns an empty Memory catalog.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]Agent),
		tokens:   make(map[string]string),
		forwards: make(map[string][]Forward),
	}
}

// PutAgent upserts an agent and its auth token.
func (m *Memory) PutAgent(a Agent, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	m.tokens[token] = a.ID
}

// PutForward upserts a forward under its owning agent.
func (m *Memory) PutForward(f Forward) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.forwards[f.AgentID]
	for i, existing := range list {
		if existing.ID == f.ID {
			list[i] = f
			m.forwards[f.AgentID] = list
			return
		}
	}
	m.forwards[f.AgentID] = append(list, f)
}

// SetReloadHandler registers the callback invoked by Reload.
func (m *Memory) SetReloadHandler(fn func(agentID string)) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.onReload = fn
}

// Reload is the admin-surface trigger for notifying a connected agent that
// its forward set changed.
func (m *Memory) Reload(agentID string) {
	m.reloadMu.Lock()
	fn := m.onReload
	m.reloadMu.Unlock()
	if fn != nil {
		fn(agentID)
	}
}

func (m *Memory) GetAgentByToken(_ context.Context, token string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agentID, ok := m.tokens[token]
	if !ok {
		return nil, ErrAgentNotFound
	}
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if !a.Enabled {
		return nil, ErrAgentDisabled
	}
	cp := a
	return &cp, nil
}

func (m *Memory) GetForwardsByAgent(_ context.Context, agentID string) ([]Forward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Forward
	for _, f := range m.forwards[agentID] {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Memory) IsRemotePortAvailable(_ context.Context, remotePort uint16, excludeForwardID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, list := range m.forwards {
		for _, f := range list {
			if f.ID == excludeForwardID {
				continue
			}
			if !f.Enabled || !f.Direction.BindsServer() {
				continue
			}
			if f.RemotePort == remotePort {
				return false, nil
			}
		}
	}
	return true, nil
}

func (m *Memory) AppendTraffic(_ context.Context, forwardID string, bytesIn, bytesOut int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traffic = append(m.traffic, TrafficRecord{ForwardID: forwardID, BytesIn: bytesIn, BytesOut: bytesOut, At: at})
	return nil
}

// TrafficRecords returns a snapshot of all flushed records, for tests.
func (m *Memory) TrafficRecords() []TrafficRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrafficRecord, len(m.traffic))
	copy(out, m.traffic)
	return out
}

var _ Adapter = (*Memory)(nil)
