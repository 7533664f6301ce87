package server

import (
	"context"
	"net"
	"strconv"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
)

// handleReverseDynamic implements reverse dynamic SOCKS5:
// the agent negotiated SOCKS5 locally with a user connecting on its own
// network and asks the server to dial the dynamically-resolved target
// (reachable from the server's network), mirroring handleReverseConnection
// but with a per-connection target instead of a fixed remote_ip/remote_port.
func (s *Server) handleReverseDynamic(ctx context.Context, cs *controlSession, m protocol.ReverseDynamic) {
	fwd, err := s.findForward(ctx, cs.agentID, m.ProxyName, catalog.DirectionReverseDynamic)
	if err != nil {
		cs.log.Warn("reverse_dynamic for unknown forward", "proxy_name", m.ProxyName, "error", err)
		_ = cs.codec.WriteMessage(protocol.TypeReverseDynamicFailed, protocol.ReverseDynamicFailed{ConnectionID: m.ConnectionID, Error: "unknown forward"})
		return
	}

	target := net.JoinHostPort(m.TargetHost, strconv.Itoa(m.TargetPort))
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		cs.log.Warn("reverse dynamic dial failed", "target", target, "error", err)
		_ = cs.codec.WriteMessage(protocol.TypeReverseDynamicFailed, protocol.ReverseDynamicFailed{ConnectionID: m.ConnectionID, Error: err.Error()})
		return
	}

	p := registry.NewPending(m.ConnectionID, fwd.ID, cs.agentID, registry.PendingTarget, conn)
	if !s.pending.Insert(p) {
		cs.log.Error("reverse dynamic: connection id collision", "connection_id", m.ConnectionID)
		conn.Close()
		_ = cs.codec.WriteMessage(protocol.TypeReverseDynamicFailed, protocol.ReverseDynamicFailed{ConnectionID: m.ConnectionID, Error: "duplicate connection id"})
		return
	}
	p.StartTimeout(s.pending, s.cfg.PendingTimeout, func(p *registry.Pending) {
		cs.log.Warn("reverse dynamic: data connection never arrived", "connection_id", m.ConnectionID, "forward", fwd.Name)
		p.Conn.Close()
	})

	if err := cs.codec.WriteMessage(protocol.TypeReverseDynamicReady, protocol.ReverseDynamicReady{ConnectionID: m.ConnectionID}); err != nil {
		if s.pending.Remove(m.ConnectionID, p) {
			conn.Close()
		}
		cs.Terminate("write reverse_dynamic_ready failed: " + err.Error())
	}
}
