package registry

import "sync"

// trafficCounter holds in-memory byte deltas for one forward, using an
// atomic-counter + GetAndReset shape for upload/download accounting on a
// pair-piped connection.
type trafficCounter struct {
	mu  sync.Mutex
	in  int64
	out int64
}

func (c *trafficCounter) addIn(n int64) {
	c.mu.Lock()
	c.in += n
	c.mu.Unlock()
}

func (c *trafficCounter) addOut(n int64) {
	c.mu.Lock()
	c.out += n
	c.mu.Unlock()
}

func (c *trafficCounter) getAndReset() (in, out int64) {
	c.mu.Lock()
	in, out = c.in, c.out
	c.in, c.out = 0, 0
	c.mu.Unlock()
	return
}

// Delta is one forward's accumulated, not-yet-flushed byte counts.
type Delta struct {
	ForwardID string
	BytesIn   int64
	BytesOut  int64
}

// TrafficCounters is the shared (ForwardId -> bytesIn, bytesOut) map
// described in "In" is user -> agent-side local service;
// "out" is the reverse.
type TrafficCounters struct {
	mu       sync.Mutex
	counters map[string]*trafficCounter
}

// NewTrafficCounters returns an empty set of counters.
func NewTrafficCounters() *TrafficCounters {
	return &TrafficCounters{counters: make(map[string]*trafficCounter)}
}

func (t *TrafficCounters) counterFor(forwardID string) *trafficCounter {
	t.mu.Lock()
	c, ok := t.counters[forwardID]
	if !ok {
		c = &trafficCounter{}
		t.counters[forwardID] = c
	}
	t.mu.Unlock()
	return c
}

// AddIn adds n bytes flowing user -> agent-side local service for forwardID.
func (t *TrafficCounters) AddIn(forwardID string, n int64) {
	if n == 0 {
		return
	}
	t.counterFor(forwardID).addIn(n)
}

// AddOut adds n bytes flowing agent-side local service -> user for forwardID.
func (t *TrafficCounters) AddOut(forwardID string, n int64) {
	if n == 0 {
		return
	}
	t.counterFor(forwardID).addOut(n)
}

// FlushAll snapshots and clears every counter, returning only the forwards
// with a nonzero delta.
func (t *TrafficCounters) FlushAll() []Delta {
	t.mu.Lock()
	snapshot := make(map[string]*trafficCounter, len(t.counters))
	for k, v := range t.counters {
		snapshot[k] = v
	}
	t.mu.Unlock()

	var out []Delta
	for forwardID, c := range snapshot {
		in, o := c.getAndReset()
		if in == 0 && o == 0 {
			continue
		}
		out = append(out, Delta{ForwardID: forwardID, BytesIn: in, BytesOut: o})
	}
	return out
}
