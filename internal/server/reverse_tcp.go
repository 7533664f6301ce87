package server

import (
	"context"
	"net"
	"time"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
)

// dialTimeout bounds the server-side dial used by reverse TCP and reverse
// dynamic before a reverse_failed/reverse_dynamic_failed is reported back.
const dialTimeout = 10 * time.Second

// handleReverseConnection implements reverse TCP: the agent
// accepted a connection on its own local_ip:local_port and asks the server
// to dial remote_ip:remote_port (the real, network-reachable destination)
// on its behalf. The server registers a PendingTarget and reports back
// reverse_ready/reverse_failed; on ready, the agent is expected to open a
// data_connection carrying the original local user's bytes.
func (s *Server) handleReverseConnection(ctx context.Context, cs *controlSession, m protocol.ReverseConnection) {
	fwd, err := s.findForward(ctx, cs.agentID, m.ProxyName, catalog.DirectionReverse)
	if err != nil {
		cs.log.Warn("reverse_connection for unknown forward", "proxy_name", m.ProxyName, "error", err)
		_ = cs.codec.WriteMessage(protocol.TypeReverseFailed, protocol.ReverseFailed{ConnectionID: m.ConnectionID, Error: "unknown forward"})
		return
	}

	target := net.JoinHostPort(fwd.RemoteIP, portString(fwd.RemotePort))
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		cs.log.Warn("reverse tcp dial failed", "target", target, "error", err)
		_ = cs.codec.WriteMessage(protocol.TypeReverseFailed, protocol.ReverseFailed{ConnectionID: m.ConnectionID, Error: err.Error()})
		return
	}

	p := registry.NewPending(m.ConnectionID, fwd.ID, cs.agentID, registry.PendingTarget, conn)
	if !s.pending.Insert(p) {
		cs.log.Error("reverse tcp: connection id collision", "connection_id", m.ConnectionID)
		conn.Close()
		_ = cs.codec.WriteMessage(protocol.TypeReverseFailed, protocol.ReverseFailed{ConnectionID: m.ConnectionID, Error: "duplicate connection id"})
		return
	}
	p.StartTimeout(s.pending, s.cfg.PendingTimeout, func(p *registry.Pending) {
		cs.log.Warn("reverse tcp: data connection never arrived", "connection_id", m.ConnectionID, "forward", fwd.Name)
		p.Conn.Close()
	})

	if err := cs.codec.WriteMessage(protocol.TypeReverseReady, protocol.ReverseReady{ConnectionID: m.ConnectionID}); err != nil {
		if s.pending.Remove(m.ConnectionID, p) {
			conn.Close()
		}
		cs.Terminate("write reverse_ready failed: " + err.Error())
	}
}
