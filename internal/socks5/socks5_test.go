package socks5

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type rwPair struct {
	r *bytes.Reader
	w *bytes.Buffer
}

func (p *rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestNegotiateDomain(t *testing.T) {
	var client bytes.Buffer
	client.Write([]byte{0x05, 0x01, 0x00})                    // greeting, NO_AUTH
	client.Write([]byte{0x05, 0x01, 0x00, 0x03, 0x0b})        // CONNECT, domain, len 11
	client.WriteString("example.com")
	client.Write([]byte{0x00, 0x50}) // port 80

	rw := &rwPair{r: bytes.NewReader(client.Bytes()), w: &bytes.Buffer{}}
	target, err := Negotiate(rw)
	require.NoError(t, err)
	require.Equal(t, "example.com", target.Host)
	require.Equal(t, 80, target.Port)
	require.Equal(t, []byte{0x05, 0x00}, rw.w.Bytes())
}

func TestNegotiateIPv4AndIPv6RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		atyp byte
		addr []byte
		host string
	}{
		{"ipv4", atypIPv4, []byte{127, 0, 0, 1}, "127.0.0.1"},
		{"ipv6", atypIPv6, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, "::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var client bytes.Buffer
			client.Write([]byte{0x05, 0x01, 0x00})
			client.Write([]byte{0x05, 0x01, 0x00, tc.atyp})
			client.Write(tc.addr)
			client.Write([]byte{0x1f, 0x90}) // 8080

			rw := &rwPair{r: bytes.NewReader(client.Bytes()), w: &bytes.Buffer{}}
			target, err := Negotiate(rw)
			require.NoError(t, err)
			require.Equal(t, tc.host, target.Host)
			require.Equal(t, 8080, target.Port)
		})
	}
}

func TestNegotiateUnsupportedCommand(t *testing.T) {
	var client bytes.Buffer
	client.Write([]byte{0x05, 0x01, 0x00})
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // BIND command

	rw := &rwPair{r: bytes.NewReader(client.Bytes()), w: &bytes.Buffer{}}
	_, err := Negotiate(rw)
	require.ErrorIs(t, err, ErrUnsupportedCommand)
	require.Equal(t, byte(replyCommandNotSupported), rw.w.Bytes()[len(rw.w.Bytes())-9])
}

func TestNegotiateUnsupportedAddressType(t *testing.T) {
	var client bytes.Buffer
	client.Write([]byte{0x05, 0x01, 0x00})
	client.Write([]byte{0x05, 0x01, 0x00, 0x02}) // reserved ATYP

	rw := &rwPair{r: bytes.NewReader(client.Bytes()), w: &bytes.Buffer{}}
	_, err := Negotiate(rw)
	require.ErrorIs(t, err, ErrUnsupportedAddressType)
}

func TestWriteSuccessAndFailureBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSuccess(&buf))
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteFailure(&buf))
	require.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, buf.Bytes())
}

var _ io.ReadWriter = (*rwPair)(nil)
