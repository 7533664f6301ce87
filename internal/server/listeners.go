package server

import (
	"context"
	"fmt"
	"net"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// reconcileListeners is the listener manager: it diffs the
// catalog's desired forward set for this agent against what is currently
// bound and closes/opens listeners to match. Serialized per agent via
// reconcileMu so a handshake racing a reload never double-binds a port.
func (cs *controlSession) reconcileListeners(ctx context.Context, forwards []catalog.Forward) {
	cs.reconcileMu.Lock()
	defer cs.reconcileMu.Unlock()

	desiredTCP := make(map[uint16]catalog.Forward)
	desiredUDP := make(map[uint16]catalog.Forward)
	for _, f := range forwards {
		if !f.Enabled || !f.Direction.BindsServer() {
			continue
		}
		if f.Transport == catalog.TransportUDP {
			desiredUDP[f.RemotePort] = f
		} else {
			desiredTCP[f.RemotePort] = f
		}
	}

	cs.reconcileTCP(desiredTCP)
	cs.reconcileUDP(desiredUDP)
}

func (cs *controlSession) reconcileTCP(desired map[uint16]catalog.Forward) {
	for _, e := range cs.srv.listeners.ForAgent(cs.agentID) {
		if _, ok := desired[e.RemotePort]; ok {
			continue
		}
		if cs.srv.listeners.Remove(e) {
			e.Listener.Close()
			cs.log.Info("closed listener no longer in catalog", "remote_port", e.RemotePort)
		}
	}

	bound := make(map[uint16]bool)
	for _, e := range cs.srv.listeners.ForAgent(cs.agentID) {
		bound[e.RemotePort] = true
	}

	for port, f := range desired {
		if bound[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			cs.log.Warn("failed to bind remote_port", "remote_port", port, "error", err)
			continue
		}
		entry := &registry.ListenerEntry{RemotePort: port, AgentID: cs.agentID, ForwardID: f.ID, Listener: ln}
		if !cs.srv.listeners.Insert(entry) {
			cs.log.Warn("remote_port already bound by another agent, refusing", "remote_port", port)
			ln.Close()
			continue
		}
		cs.log.Info("listener bound", "remote_port", port, "forward", f.Name, "direction", f.Direction, "transport", f.Transport)
		fwd := f
		safego.Go(cs.log, "accept_loop", func() { cs.srv.acceptLoop(cs, entry, fwd) })
	}
}

func (cs *controlSession) reconcileUDP(desired map[uint16]catalog.Forward) {
	for _, e := range cs.srv.udpSockets.ForAgent(cs.agentID) {
		if _, ok := desired[e.RemotePort]; ok {
			continue
		}
		if cs.srv.udpSockets.Remove(e) {
			e.Conn.Close()
			cs.log.Info("closed udp socket no longer in catalog", "remote_port", e.RemotePort)
		}
	}

	bound := make(map[uint16]bool)
	for _, e := range cs.srv.udpSockets.ForAgent(cs.agentID) {
		bound[e.RemotePort] = true
	}

	for port, f := range desired {
		if bound[port] {
			continue
		}
		addr := &net.UDPAddr{Port: int(port)}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			cs.log.Warn("failed to bind udp remote_port", "remote_port", port, "error", err)
			continue
		}
		entry := &registry.PacketListenerEntry{RemotePort: port, AgentID: cs.agentID, ForwardID: f.ID, Conn: conn}
		if !cs.srv.udpSockets.Insert(entry) {
			cs.log.Warn("udp remote_port already bound by another agent, refusing", "remote_port", port)
			conn.Close()
			continue
		}
		cs.log.Info("udp socket bound", "remote_port", port, "forward", f.Name)
		fwd := f
		safego.Go(cs.log, "udp_read_loop", func() { cs.srv.udpReadLoop(cs, entry, fwd) })
	}
}

// acceptLoop accepts TCP connections on a server-bound listener and routes
// each to the forward-TCP or forward-dynamic (SOCKS5) engine depending on
// the forward's transport. Returns once the listener is closed.
func (s *Server) acceptLoop(cs *controlSession, entry *registry.ListenerEntry, fwd catalog.Forward) {
	for {
		conn, err := entry.Listener.Accept()
		if err != nil {
			return
		}
		c := conn
		switch fwd.Transport {
		case catalog.TransportSOCKS5:
			safego.Go(cs.log, "dynamic_accept", func() { s.handleDynamicAccept(cs, fwd, c) })
		default:
			safego.Go(cs.log, "forward_tcp_accept", func() { s.handleForwardTCPAccept(cs, fwd, c) })
		}
	}
}
