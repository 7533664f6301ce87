package agentside

import (
	"net"

	"github.com/nullwire/tunnelcore/internal/idgen"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
	"github.com/nullwire/tunnelcore/internal/socks5"
)

// acceptReverseDynamicLoop runs for the lifetime of one reverse-dynamic
// local listener: the agent speaks SOCKS5 to its own local clients and asks
// the server to dial the resolved target on its behalf.
func (a *Agent) acceptReverseDynamicLoop(ln net.Listener, fwd protocol.PortForward) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := conn
		safego.Go(a.log, "handle_reverse_dynamic_accept", func() { a.handleReverseDynamicAccept(fwd, c) })
	}
}

func (a *Agent) handleReverseDynamicAccept(fwd protocol.PortForward, conn net.Conn) {
	target, err := socks5.Negotiate(conn)
	if err != nil {
		conn.Close()
		return
	}

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
		a.log.Warn("reverse dynamic: server never confirmed", "connection_id", connID)
		socks5.WriteFailure(p.Conn)
		p.Conn.Close()
	})

	if err := codec.WriteMessage(protocol.TypeReverseDynamic, protocol.ReverseDynamic{
		ProxyName: fwd.Name, ConnectionID: connID,
		TargetHost: target.Host, TargetPort: target.Port,
	}); err != nil {
		if a.pending.Remove(connID, p) {
			conn.Close()
		}
	}
}

func (a *Agent) handleReverseDynamicReady(connID string) {
	p, ok := a.pending.Get(connID)
	if !ok || !a.pending.Remove(connID, p) {
		return
	}
	if err := socks5.WriteSuccess(p.Conn); err != nil {
		p.Conn.Close()
		return
	}
	dataConn, err := a.dialDataConnection(connID)
	if err != nil {
		a.log.Warn("reverse dynamic: data connection dial failed", "error", err)
		p.Conn.Close()
		return
	}
	safego.Go(a.log, "pipe", func() { pipe(p.Conn, dataConn) })
}

func (a *Agent) handleReverseDynamicFailed(connID, errMsg string) {
	p, ok := a.pending.Get(connID)
	if !ok || !a.pending.Remove(connID, p) {
		return
	}
	a.log.Warn("server failed reverse dynamic dial", "connection_id", connID, "error", errMsg)
	socks5.WriteFailure(p.Conn)
	p.Conn.Close()
}
