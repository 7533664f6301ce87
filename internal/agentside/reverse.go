package agentside

import (
	"net"

	"github.com/nullwire/tunnelcore/internal/idgen"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// acceptReverseLoop runs for the lifetime of one reverse-TCP local listener,
// handing each accepted connection to handleReverseAccept. Returns when ln
// is closed by reconcile (forward removed/changed) or by teardown.
func (a *Agent) acceptReverseLoop(ln net.Listener, fwd protocol.PortForward) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := conn
		safego.Go(a.log, "handle_reverse_accept", func() { a.handleReverseAccept(fwd, c) })
	}
}

// handleReverseAccept reports the newly accepted local connection to the
// server and parks it in the pending table until reverse_ready/failed
// arrives.
func (a *Agent) handleReverseAccept(fwd protocol.PortForward, conn net.Conn) {
	codec := a.currentCodec()
	if codec == nil {
		conn.Close()
		return
	}

	connID := idgen.NewConnectionID()
	p := registry.NewPending(connID, "", "", registry.PendingUser, conn)
	if !a.pending.Insert(p) {
		conn.Close()
		return
	}
	p.StartTimeout(a.pending, a.cfg.PendingTimeout, func(p *registry.Pending) {
		a.log.Warn("reverse tcp: server never confirmed", "connection_id", connID)
		p.Conn.Close()
	})

	if err := codec.WriteMessage(protocol.TypeReverseConnection, protocol.ReverseConnection{
		ProxyName: fwd.Name, ConnectionID: connID,
	}); err != nil {
		if a.pending.Remove(connID, p) {
			conn.Close()
		}
	}
}

func (a *Agent) handleReverseReady(connID string) {
	p, ok := a.pending.Get(connID)
	if !ok || !a.pending.Remove(connID, p) {
		return
	}
	dataConn, err := a.dialDataConnection(connID)
	if err != nil {
		a.log.Warn("reverse tcp: data connection dial failed", "error", err)
		p.Conn.Close()
		return
	}
	safego.Go(a.log, "pipe", func() { pipe(p.Conn, dataConn) })
}

func (a *Agent) handleReverseFailed(connID, errMsg string) {
	p, ok := a.pending.Get(connID)
	if !ok || !a.pending.Remove(connID, p) {
		return
	}
	a.log.Warn("server failed reverse dial", "connection_id", connID, "error", errMsg)
	p.Conn.Close()
}
