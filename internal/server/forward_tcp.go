package server

import (
	"net"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/idgen"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
)

// handleForwardTCPAccept implements forward TCP: a user
// connects to the server-bound remote_port; the server mints a
// connectionId, registers a Pending holding the user socket, and asks the
// agent to dial the server back with a data_connection carrying that id.
// The agent is expected to pair that data connection with its own dial of
// local_ip:local_port.
func (s *Server) handleForwardTCPAccept(cs *controlSession, fwd catalog.Forward, conn net.Conn) {
	connID := idgen.NewConnectionID()
	p := registry.NewPending(connID, fwd.ID, fwd.AgentID, registry.PendingUser, conn)
	if !s.pending.Insert(p) {
		s.log.Error("connection id collision", "connection_id", connID)
		conn.Close()
		return
	}
	p.StartTimeout(s.pending, s.cfg.PendingTimeout, func(p *registry.Pending) {
		s.log.Warn("forward tcp: data connection never arrived", "connection_id", connID, "forward", fwd.Name)
		p.Conn.Close()
	})

	if err := cs.codec.WriteMessage(protocol.TypeNewConnection, protocol.NewConnection{
		ProxyName:    fwd.Name,
		ConnectionID: connID,
	}); err != nil {
		if s.pending.Remove(connID, p) {
			conn.Close()
		}
		cs.Terminate("write new_connection failed: " + err.Error())
	}
}
