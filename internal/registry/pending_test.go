package registry

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingTableJoinRemovesEntryAndStopsTimer(t *testing.T) {
	table := NewPendingTable()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	p := NewPending("conn1", "fw1", "ag1", PendingUser, c1)
	require.True(t, table.Insert(p))

	expired := false
	p.StartTimeout(table, 50*time.Millisecond, func(*Pending) { expired = true })

	// Data-join wins the race immediately.
	require.True(t, table.Remove("conn1", p))
	// Second remove (e.g. a racing timeout) must be a no-op.
	require.False(t, table.Remove("conn1", p))

	time.Sleep(100 * time.Millisecond)
	require.False(t, expired, "timer should have been stopped by the join")
}

func TestPendingTableTimeoutFiresWhenNoJoin(t *testing.T) {
	table := NewPendingTable()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	p := NewPending("conn1", "fw1", "ag1", PendingUser, c1)
	require.True(t, table.Insert(p))

	done := make(chan struct{})
	p.StartTimeout(table, 20*time.Millisecond, func(*Pending) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	_, ok := table.Get("conn1")
	require.False(t, ok)
}

func TestPendingTableRemoveAllForAgent(t *testing.T) {
	table := NewPendingTable()
	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	p1 := NewPending("c1", "fw1", "agentA", PendingUser, c1)
	p2 := NewPending("c2", "fw1", "agentA", PendingUser, c2)
	p3 := NewPending("c3", "fw1", "agentB", PendingUser, c1)
	require.True(t, table.Insert(p1))
	require.True(t, table.Insert(p2))
	require.True(t, table.Insert(p3))

	removed := table.RemoveAllForAgent("agentA")
	require.Len(t, removed, 2)
	require.Equal(t, 1, table.Len())

	_, ok := table.Get("c3")
	require.True(t, ok)
}

func TestPendingTableConcurrentJoinAndTimeoutRaceHasSingleWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		table := NewPendingTable()
		c1, _ := net.Pipe()
		p := NewPending("conn", "fw", "ag", PendingUser, c1)
		require.True(t, table.Insert(p))

		var wins int
		var mu sync.Mutex
		p.StartTimeout(table, time.Microsecond, func(*Pending) {
			mu.Lock()
			wins++
			mu.Unlock()
		})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.Remove("conn", p) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		wg.Wait()
		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		got := wins
		mu.Unlock()
		require.Equal(t, 1, got, "exactly one of {join, timeout} must win")
		c1.Close()
	}
}
