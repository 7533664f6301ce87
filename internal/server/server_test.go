package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/protocol"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer boots a Server on an ephemeral control port and returns
// its address plus a teardown func.
func startTestServer(t *testing.T, cat catalog.Adapter, cfg Config) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(cat, testLogger(), cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeListener(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, ln.Addr().String()
}

// fakeAgent is a hand-rolled protocol speaker standing in for the
// agent-side client, used to drive the server through its wire protocol
// directly.
type fakeAgent struct {
	t     *testing.T
	codec *protocol.Codec
}

func dialAgent(t *testing.T, addr, token string) *fakeAgent {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	codec := protocol.NewCodec(conn)
	require.NoError(t, codec.WriteMessage(protocol.TypeControlHandshake, protocol.ControlHandshake{Token: token}))

	env, err := codec.ReadLine()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthResponse, env.Type)
	var resp protocol.AuthResponse
	require.NoError(t, env.Decode(&resp))
	require.True(t, resp.Success, "expected successful auth_response, got error=%q", resp.Error)

	return &fakeAgent{t: t, codec: codec}
}

func (a *fakeAgent) next() protocol.Envelope {
	env, err := a.codec.ReadLine()
	require.NoError(a.t, err)
	return env
}

// openDataConnection dials addr again and joins it to connID as a data
// connection, standing in for the agent's secondary dial-back.
func openDataConnection(t *testing.T, addr, connID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	codec := protocol.NewCodec(conn)
	require.NoError(t, codec.WriteMessage(protocol.TypeDataConnection, protocol.DataConnection{ConnectionID: connID}))
	return conn
}

func TestForwardTCPHappyPath(t *testing.T) {
	mem := catalog.NewMemory()
	mem.PutAgent(catalog.Agent{ID: "agent1", Name: "a1", Enabled: true}, "tok1")
	port := freePort(t)
	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "web", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: port, LocalIP: "127.0.0.1", LocalPort: 80,
	})

	srv, addr := startTestServer(t, mem, Config{})
	agent := dialAgent(t, addr, "tok1")

	// Give the listener manager a moment to bind the remote_port.
	require.Eventually(t, func() bool {
		_, ok := srv.Listeners().Get(port)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env := agent.next()
		require.Equal(t, protocol.TypeNewConnection, env.Type)
		var nc protocol.NewConnection
		require.NoError(t, env.Decode(&nc))
		require.Equal(t, "web", nc.ProxyName)

		dataConn := openDataConnection(t, addr, nc.ConnectionID)
		defer dataConn.Close()
		// Echo whatever the user sends back to them.
		io.Copy(dataConn, dataConn)
	}()

	userConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer userConn.Close()

	_, err = userConn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(userConn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	userConn.Close()
	<-done
}

func TestListenerPortConflictBetweenAgents(t *testing.T) {
	mem := catalog.NewMemory()
	mem.PutAgent(catalog.Agent{ID: "agent1", Enabled: true}, "tok1")
	mem.PutAgent(catalog.Agent{ID: "agent2", Enabled: true}, "tok2")
	port := freePort(t)

	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "svc1", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: port,
	})
	mem.PutForward(catalog.Forward{
		ID: "fw2", AgentID: "agent2", Name: "svc2", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: port,
	})

	srv, addr := startTestServer(t, mem, Config{})
	dialAgent(t, addr, "tok1")

	require.Eventually(t, func() bool {
		_, ok := srv.Listeners().Get(port)
		return ok
	}, time.Second, 10*time.Millisecond)

	dialAgent(t, addr, "tok2")
	// agent2's forward must not have displaced agent1's listener.
	time.Sleep(100 * time.Millisecond)
	entry, ok := srv.Listeners().Get(port)
	require.True(t, ok)
	require.Equal(t, "agent1", entry.AgentID)
}

func TestReverseTCPHappyPath(t *testing.T) {
	// The "remote" backend agent1 is reverse-dialing into.
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()
	backendAddr := backend.Addr().(*net.TCPAddr)

	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	mem := catalog.NewMemory()
	mem.PutAgent(catalog.Agent{ID: "agent1", Enabled: true}, "tok1")
	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "db", Enabled: true,
		Direction: catalog.DirectionReverse, Transport: catalog.TransportTCP,
		RemoteIP: "127.0.0.1", RemotePort: uint16(backendAddr.Port),
	})

	_, addr := startTestServer(t, mem, Config{})
	agent := dialAgent(t, addr, "tok1")

	require.NoError(t, agent.codec.WriteMessage(protocol.TypeReverseConnection, protocol.ReverseConnection{
		ProxyName: "db", ConnectionID: "conn-1",
	}))

	env := agent.next()
	require.Equal(t, protocol.TypeReverseReady, env.Type)
	var ready protocol.ReverseReady
	require.NoError(t, env.Decode(&ready))
	require.Equal(t, "conn-1", ready.ConnectionID)

	dataConn := openDataConnection(t, addr, ready.ConnectionID)
	defer dataConn.Close()

	_, err = dataConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(dataConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestHeartbeatTimeoutTearsDownListeners(t *testing.T) {
	mem := catalog.NewMemory()
	mem.PutAgent(catalog.Agent{ID: "agent1", Enabled: true}, "tok1")
	port := freePort(t)
	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "web", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: port,
	})

	srv, addr := startTestServer(t, mem, Config{HeartbeatTimeout: 100 * time.Millisecond})
	dialAgent(t, addr, "tok1")

	require.Eventually(t, func() bool {
		_, ok := srv.Listeners().Get(port)
		return ok
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := srv.Listeners().Get(port)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "listener should be torn down after heartbeat timeout")

	_, ok := srv.Agents().Get("agent1")
	require.False(t, ok)
}

func TestConfigReloadRebindsListenerToNewPort(t *testing.T) {
	mem := catalog.NewMemory()
	mem.PutAgent(catalog.Agent{ID: "agent1", Enabled: true}, "tok1")
	oldPort := freePort(t)
	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "web", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: oldPort,
	})

	srv, addr := startTestServer(t, mem, Config{})
	agent := dialAgent(t, addr, "tok1")

	require.Eventually(t, func() bool {
		_, ok := srv.Listeners().Get(oldPort)
		return ok
	}, time.Second, 10*time.Millisecond)

	newPort := freePort(t)
	mem.PutForward(catalog.Forward{
		ID: "fw1", AgentID: "agent1", Name: "web", Enabled: true,
		Direction: catalog.DirectionForward, Transport: catalog.TransportTCP,
		RemotePort: newPort,
	})
	srv.ReloadAgent("agent1")

	env := agent.next()
	require.Equal(t, protocol.TypeConfigUpdate, env.Type)
	var upd protocol.ConfigUpdate
	require.NoError(t, env.Decode(&upd))
	require.Len(t, upd.PortForwards, 1)
	require.EqualValues(t, newPort, upd.PortForwards[0].RemotePort)

	require.Eventually(t, func() bool {
		_, oldOk := srv.Listeners().Get(oldPort)
		_, newOk := srv.Listeners().Get(newPort)
		return !oldOk && newOk
	}, time.Second, 10*time.Millisecond)
}
