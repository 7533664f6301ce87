package server

import (
	"io"
	"net"
	"sync"

	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// joinDataConnection handles a connection whose first line is
// data_connection: it looks up the matching Pending by connectionId and,
// on a successful identity-checked removal, splices the two sockets
// together. A miss (unknown id, already claimed by the
// timeout, or already joined by a racing duplicate) just closes the new
// socket — the original waiting side is left for its own deadline or
// session teardown to resolve.
func (s *Server) joinDataConnection(codec *protocol.Codec, env protocol.Envelope) {
	var dc protocol.DataConnection
	if err := env.Decode(&dc); err != nil {
		s.log.Warn("malformed data_connection", "error", err)
		codec.Close()
		return
	}

	p, ok := s.pending.Get(dc.ConnectionID)
	if !ok {
		s.log.Debug("data_connection for unknown/expired connectionId", "connection_id", dc.ConnectionID)
		codec.Close()
		return
	}
	if !s.pending.Remove(dc.ConnectionID, p) {
		s.log.Debug("data_connection lost the join race", "connection_id", dc.ConnectionID)
		codec.Close()
		return
	}

	safego.Go(s.log, "pipe_connections", func() { s.pipeConnections(p, codec.Conn(), codec.Reader()) })
}

// pipeConnections splices p.Conn with other and accounts bytes in both
// directions against p.ForwardID. It owns both connections and closes them
// when done. Any bytes a peer pipelined right after negotiation (e.g. a
// SOCKS5 client that doesn't wait for the reply before writing) are still
// sitting in the kernel socket buffer at this point, since negotiation reads
// off the raw net.Conn rather than a buffered reader, so the io.Copy below
// picks them up without any explicit preData handoff.
func (s *Server) pipeConnections(p *registry.Pending, other net.Conn, otherReader io.Reader) {
	defer p.Conn.Close()
	defer other.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(other, p.Conn)
		s.accountBytes(p, n, true)
		closeWrite(other)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(p.Conn, otherReader)
		s.accountBytes(p, n, false)
		closeWrite(p.Conn)
	}()
	wg.Wait()
}

// accountBytes records n bytes that moved p.Conn -> other when fromPSide is
// true, or other -> p.Conn when false, and translates that into the
// in/out accounting wants ("in" = user -> agent-side local
// service) based on which role p.Conn plays: for PendingUser, p.Conn is the
// user; for PendingTarget, p.Conn is the dialed service.
func (s *Server) accountBytes(p *registry.Pending, n int64, fromPSide bool) {
	if n == 0 {
		return
	}
	userIsP := p.Kind == registry.PendingUser
	if userIsP == fromPSide {
		s.traffic.AddIn(p.ForwardID, n)
	} else {
		s.traffic.AddOut(p.ForwardID, n)
	}
}

// closeWrite half-closes c's write side if supported (so the peer sees
// EOF while a still-pending read on the other goroutine can finish
// draining), falling back to a full close.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}
