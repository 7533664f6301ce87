package protocol

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestCodecRoundTrip(t *testing.T) {
	a, b := pipe(t)
	ca := NewCodec(a)
	cb := NewCodec(b)

	go func() {
		_ = ca.WriteMessage(TypeHeartbeat, struct{}{})
	}()

	env, err := cb.ReadLine()
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, env.Type)
}

func TestCodecMalformedLineIsRecoverable(t *testing.T) {
	a, b := pipe(t)
	ca := NewCodec(a)
	cb := NewCodec(b)

	go func() {
		_, _ = a.Write([]byte("not json\n"))
		_ = ca.WriteMessage(TypeHeartbeatAck, nil)
	}()

	_, err := cb.ReadLine()
	require.ErrorIs(t, err, ErrMalformed)

	env, err := cb.ReadLine()
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeatAck, env.Type)
}

func TestCodecPreservesResidualPayloadAfterLine(t *testing.T) {
	a, b := pipe(t)
	ca := NewCodec(a)
	cb := NewCodec(b)

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	go func() {
		_ = ca.WriteMessage(TypeDataConnection, DataConnection{ConnectionID: "c1"})
		_, _ = a.Write(payload)
	}()

	env, err := cb.ReadLine()
	require.NoError(t, err)
	require.Equal(t, TypeDataConnection, env.Type)

	var got [18]byte
	_, err = io.ReadFull(cb.Reader(), got[:])
	require.NoError(t, err)
	require.Equal(t, payload, got[:])
}

func TestCodecWriteIsWholeLine(t *testing.T) {
	a, b := pipe(t)
	ca := NewCodec(a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ca.WriteMessage(TypeHeartbeat, struct{}{})
		_ = ca.WriteMessage(TypeHeartbeatAck, nil)
	}()

	r := bufio.NewReader(b)
	l1, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, l1, TypeHeartbeat)

	l2, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, l2, TypeHeartbeatAck)
	<-done
}
