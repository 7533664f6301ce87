package server

import (
	"net"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/idgen"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/socks5"
)

// handleDynamicAccept implements forward dynamic SOCKS5: the
// server itself speaks SOCKS5 to the connecting user, parses the CONNECT
// target, and asks the agent to dial it. The SOCKS5 reply is deliberately
// withheld until the agent confirms the dial outcome via dynamic_ready or
// dynamic_failed.
func (s *Server) handleDynamicAccept(cs *controlSession, fwd catalog.Forward, conn net.Conn) {
	target, err := socks5.Negotiate(conn)
	if err != nil {
		s.log.Debug("socks5 negotiation failed", "forward", fwd.Name, "error", err)
		conn.Close()
		return
	}

	connID := idgen.NewConnectionID()
	p := registry.NewPending(connID, fwd.ID, fwd.AgentID, registry.PendingUser, conn)
	if !s.pending.Insert(p) {
		s.log.Error("connection id collision", "connection_id", connID)
		conn.Close()
		return
	}
	p.StartTimeout(s.pending, s.cfg.PendingTimeout, func(p *registry.Pending) {
		s.log.Warn("forward dynamic: agent never responded", "connection_id", connID, "forward", fwd.Name)
		_ = socks5.WriteFailure(p.Conn)
		p.Conn.Close()
	})

	if err := cs.codec.WriteMessage(protocol.TypeDynamicConnection, protocol.DynamicConnection{
		ProxyName:    fwd.Name,
		ConnectionID: connID,
		TargetHost:   target.Host,
		TargetPort:   target.Port,
	}); err != nil {
		if s.pending.Remove(connID, p) {
			conn.Close()
		}
		cs.Terminate("write dynamic_connection failed: " + err.Error())
	}
}

// handleDynamicReady writes the withheld SOCKS5 success reply once the
// agent confirms its local dial succeeded. The Pending stays in the table
// — it resolves only when the matching data_connection arrives.
func (s *Server) handleDynamicReady(cs *controlSession, m protocol.DynamicReady) {
	p, ok := s.pending.Get(m.ConnectionID)
	if !ok {
		cs.log.Debug("dynamic_ready for unknown/expired connection", "connection_id", m.ConnectionID)
		return
	}
	if err := socks5.WriteSuccess(p.Conn); err != nil {
		if s.pending.Remove(m.ConnectionID, p) {
			p.Conn.Close()
		}
	}
}

// handleDynamicFailed writes the withheld SOCKS5 failure reply and
// releases the Pending when the agent could not complete its local dial.
func (s *Server) handleDynamicFailed(cs *controlSession, m protocol.DynamicFailed) {
	p, ok := s.pending.Get(m.ConnectionID)
	if !ok {
		return
	}
	if s.pending.Remove(m.ConnectionID, p) {
		cs.log.Warn("agent reported dynamic dial failure", "connection_id", m.ConnectionID, "error", m.Error)
		_ = socks5.WriteFailure(p.Conn)
		p.Conn.Close()
	}
}
