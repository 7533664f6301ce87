package server

import (
	"encoding/base64"
	"time"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/idgen"
	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
)

// udpReadLoop implements the server side of forward UDP session muxing
//: datagrams arriving on a bound remote_port are assigned to a
// lazily-created UDPSession keyed by source address, base64-encoded, and
// forwarded to the agent as udp_packet messages over the control channel —
// there is no secondary UDP connection, everything rides the one control
// socket.
func (s *Server) udpReadLoop(cs *controlSession, entry *registry.PacketListenerEntry, fwd catalog.Forward) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := entry.Conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		sess, _ := s.udpSessions.GetOrCreate(fwd.ID, cs.agentID, addr, entry.Conn, idgen.NewConnectionID)
		s.traffic.AddIn(fwd.ID, int64(n))

		err = cs.codec.WriteMessage(protocol.TypeUDPPacket, protocol.UDPPacket{
			ConnectionID: sess.ConnectionID,
			Data:         base64.StdEncoding.EncodeToString(data),
			TargetHost:   fwd.LocalIP,
			TargetPort:   int(fwd.LocalPort),
			ProxyName:    fwd.Name,
		})
		if err != nil {
			cs.Terminate("write udp_packet failed: " + err.Error())
			return
		}
	}
}

// handleUDPPacketResponse writes one agent-supplied reply datagram back to
// the original client address recorded in the session.
func (s *Server) handleUDPPacketResponse(cs *controlSession, m protocol.UDPPacketResponse) {
	sess, ok := s.udpSessions.GetByID(m.ConnectionID)
	if !ok {
		cs.log.Debug("udp_packet_response for unknown session", "connection_id", m.ConnectionID)
		return
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		cs.log.Warn("malformed udp_packet_response payload", "error", err)
		return
	}
	sess.Touch()
	if _, err := sess.Socket.WriteToUDP(data, sess.ClientAddr); err != nil {
		cs.log.Debug("failed writing udp reply", "error", err)
		return
	}
	s.traffic.AddOut(sess.ForwardID, int64(len(data)))
}

// handleUDPCloseFromAgent releases a session the agent has decided to end
// (its own idle reaper, or the local target connection closing).
func (s *Server) handleUDPCloseFromAgent(cs *controlSession, m protocol.UDPClose) {
	sess, ok := s.udpSessions.GetByID(m.ConnectionID)
	if !ok {
		return
	}
	s.udpSessions.Remove(sess)
}

// udpReapLoop periodically clears UDP sessions the agent never closed
// (e.g. a dropped udp_close) and tells the agent to drop its side too.
func (s *Server) udpReapLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.udpSessions.ReapIdle(s.cfg.UDPIdleTimeout) {
				h, ok := s.agents.Get(sess.AgentID)
				if !ok {
					continue
				}
				if cs, ok := h.(*controlSession); ok {
					_ = cs.codec.WriteMessage(protocol.TypeUDPClose, protocol.UDPClose{ConnectionID: sess.ConnectionID})
				}
			}
		}
	}
}
