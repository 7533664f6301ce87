package agentside

import (
	"encoding/base64"
	"net"
	"strconv"
	"time"

	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// udpTarget is one lazily-created UDP "session" to a local forward target,
// keyed by connectionId. The server owns the client-facing
// socket and session bookkeeping; the agent only needs one UDPConn per
// connectionId dialed at the local target.
type udpTarget struct {
	conn *net.UDPConn
}

// handleUDPPacket relays one datagram from the server to the local target,
// dialing a fresh UDP socket on first use and spawning udpReadLoop to carry
// replies back.
func (a *Agent) handleUDPPacket(m protocol.UDPPacket) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		a.log.Warn("udp_packet: malformed base64 payload", "error", err)
		return
	}

	t := a.getOrDialUDP(m.ConnectionID, m.TargetHost, m.TargetPort)
	if t == nil {
		return
	}
	if _, err := t.conn.Write(data); err != nil {
		a.log.Debug("udp: write to local target failed", "error", err)
	}
}

func (a *Agent) getOrDialUDP(connID, host string, port int) *udpTarget {
	a.udpMu.Lock()
	if t, ok := a.udpConns[connID]; ok {
		a.udpMu.Unlock()
		return t
	}
	a.udpMu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		a.log.Warn("udp: resolve target failed", "error", err)
		return nil
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		a.log.Warn("udp: dial target failed", "error", err)
		return nil
	}

	t := &udpTarget{conn: conn}

	a.udpMu.Lock()
	if existing, ok := a.udpConns[connID]; ok {
		a.udpMu.Unlock()
		conn.Close()
		return existing
	}
	a.udpConns[connID] = t
	a.udpMu.Unlock()

	safego.Go(a.log, "udp_read_loop", func() { a.udpReadLoop(connID, t) })
	return t
}

// udpReadLoop carries replies from the local target back to the server as
// udp_packet_response until the socket idles past UDPIdleTimeout or errors,
// at which point it tells the server with udp_close.
func (a *Agent) udpReadLoop(connID string, t *udpTarget) {
	buf := make([]byte, 65535)
	for {
		t.conn.SetReadDeadline(time.Now().Add(a.cfg.UDPIdleTimeout))
		n, err := t.conn.Read(buf)
		if err != nil {
			a.closeUDP(connID)
			if codec := a.currentCodec(); codec != nil {
				codec.WriteMessage(protocol.TypeUDPClose, protocol.UDPClose{ConnectionID: connID})
			}
			return
		}

		codec := a.currentCodec()
		if codec == nil {
			a.closeUDP(connID)
			return
		}
		data := base64.StdEncoding.EncodeToString(buf[:n])
		if err := codec.WriteMessage(protocol.TypeUDPPacketResponse, protocol.UDPPacketResponse{
			ConnectionID: connID, Data: data,
		}); err != nil {
			a.closeUDP(connID)
			return
		}
	}
}

func (a *Agent) closeUDP(connID string) {
	a.udpMu.Lock()
	t, ok := a.udpConns[connID]
	if ok {
		delete(a.udpConns, connID)
	}
	a.udpMu.Unlock()
	if ok {
		t.conn.Close()
	}
}
