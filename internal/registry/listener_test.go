package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerRegistryRejectsDuplicatePort(t *testing.T) {
	reg := NewListenerRegistry()

	l1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l1.Close()

	e1 := &ListenerEntry{RemotePort: 9999, AgentID: "a1", Listener: l1}
	e2 := &ListenerEntry{RemotePort: 9999, AgentID: "a2", Listener: l1}

	require.True(t, reg.Insert(e1))
	require.False(t, reg.Insert(e2), "a second listener must not bind the same remote_port")

	got, ok := reg.Get(9999)
	require.True(t, ok)
	require.Equal(t, "a1", got.AgentID)
}

func TestListenerRegistryRemoveByIdentity(t *testing.T) {
	reg := NewListenerRegistry()
	l1, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l1.Close()

	e1 := &ListenerEntry{RemotePort: 8888, AgentID: "a1", Listener: l1}
	e2 := &ListenerEntry{RemotePort: 8888, AgentID: "a1", Listener: l1}

	require.True(t, reg.Insert(e1))
	// e2 was never inserted, so removing it must not evict e1.
	require.False(t, reg.Remove(e2))
	_, ok := reg.Get(8888)
	require.True(t, ok)

	require.True(t, reg.Remove(e1))
	_, ok = reg.Get(8888)
	require.False(t, ok)
}

func TestListenerRegistryRemoveAllForAgent(t *testing.T) {
	reg := NewListenerRegistry()
	l1, _ := net.Listen("tcp", "127.0.0.1:0")
	l2, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l1.Close()
	defer l2.Close()

	reg.Insert(&ListenerEntry{RemotePort: 1, AgentID: "a1", Listener: l1})
	reg.Insert(&ListenerEntry{RemotePort: 2, AgentID: "a1", Listener: l2})

	removed := reg.RemoveAllForAgent("a1")
	require.Len(t, removed, 2)
	require.Empty(t, reg.ForAgent("a1"))
}
