package agentside

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullwire/tunnelcore/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is a hand-rolled control-plane speaker standing in for the
// real server package, used to drive the agent through its wire protocol
// in isolation.
type fakeServer struct {
	t  *testing.T
	ln net.Listener
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{t: t, ln: ln}
	t.Cleanup(func() { ln.Close() })
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

// acceptControl accepts one connection, completes the handshake with the
// given forward list, and returns the codec for further scripted exchange.
func (fs *fakeServer) acceptControl(forwards []protocol.PortForward) *protocol.Codec {
	fs.t.Helper()
	conn, err := fs.ln.Accept()
	require.NoError(fs.t, err)
	codec := protocol.NewCodec(conn)

	env, err := codec.ReadLine()
	require.NoError(fs.t, err)
	require.Equal(fs.t, protocol.TypeControlHandshake, env.Type)

	require.NoError(fs.t, codec.WriteMessage(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success: true, PortForwards: forwards,
	}))
	return codec
}

// acceptDataConnection accepts one connection and asserts it is a
// data_connection for connID, returning the raw conn for further I/O.
func (fs *fakeServer) acceptDataConnection(connID string) net.Conn {
	fs.t.Helper()
	conn, err := fs.ln.Accept()
	require.NoError(fs.t, err)
	codec := protocol.NewCodec(conn)
	env, err := codec.ReadLine()
	require.NoError(fs.t, err)
	require.Equal(fs.t, protocol.TypeDataConnection, env.Type)
	var dc protocol.DataConnection
	require.NoError(fs.t, env.Decode(&dc))
	require.Equal(fs.t, connID, dc.ConnectionID)
	return conn
}

func TestForwardTCPDialsLocalTargetAndSplices(t *testing.T) {
	// Local "service" the agent should dial into on new_connection.
	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer local.Close()
	localPort := local.Addr().(*net.TCPAddr).Port
	go func() {
		conn, err := local.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	fs := startFakeServer(t)
	a := New(Config{ServerAddr: fs.addr(), Token: "tok1"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	codec := fs.acceptControl([]protocol.PortForward{{
		Name: "web", Direction: "forward", ProxyType: "tcp",
		RemotePort: 8080, LocalIP: "127.0.0.1", LocalPort: uint16(localPort),
	}})

	require.NoError(t, codec.WriteMessage(protocol.TypeNewConnection, protocol.NewConnection{
		ProxyName: "web", ConnectionID: "conn-1",
	}))

	dataConn := fs.acceptDataConnection("conn-1")
	defer dataConn.Close()

	_, err = dataConn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(dataConn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestReverseTCPAcceptsLocalAndNegotiates(t *testing.T) {
	fs := startFakeServer(t)
	localPort := freeTCPPort(t)

	a := New(Config{ServerAddr: fs.addr(), Token: "tok1"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	codec := fs.acceptControl([]protocol.PortForward{{
		Name: "db", Direction: "reverse", ProxyType: "tcp",
		LocalIP: "127.0.0.1", LocalPort: localPort,
	}})

	localAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(localPort)))
	require.Eventually(t, func() bool {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		_, ok := a.listeners["db"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	userConn, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer userConn.Close()

	env, err := codec.ReadLine()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeReverseConnection, env.Type)
	var rc protocol.ReverseConnection
	require.NoError(t, env.Decode(&rc))
	require.Equal(t, "db", rc.ProxyName)

	require.NoError(t, codec.WriteMessage(protocol.TypeReverseReady, protocol.ReverseReady{ConnectionID: rc.ConnectionID}))

	dataConn := fs.acceptDataConnection(rc.ConnectionID)
	defer dataConn.Close()

	_, err = userConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(dataConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

