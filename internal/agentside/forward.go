package agentside

import (
	"net"
	"strconv"

	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// handleNewConnection answers a forward-TCP new_connection: dial the local
// target, open a data connection back to the server, and splice them. There
// is no failure message for this direction — if the local dial fails the
// agent simply never opens the data connection and the server's matching
// Pending times out on its own.
func (a *Agent) handleNewConnection(m protocol.NewConnection) {
	fwd, ok := a.lookupForward(m.ProxyName)
	if !ok {
		a.log.Warn("new_connection for unknown forward", "proxy_name", m.ProxyName)
		return
	}

	target := net.JoinHostPort(fwd.LocalIP, strconv.Itoa(int(fwd.LocalPort)))
	localConn, err := net.DialTimeout("tcp", target, a.cfg.DialTimeout)
	if err != nil {
		a.log.Warn("forward tcp: local dial failed", "forward", m.ProxyName, "target", target, "error", err)
		return
	}

	dataConn, err := a.dialDataConnection(m.ConnectionID)
	if err != nil {
		a.log.Warn("forward tcp: data connection dial failed", "error", err)
		localConn.Close()
		return
	}

	safego.Go(a.log, "pipe", func() { pipe(localConn, dataConn) })
}

// handleDynamicConnection answers a forward-dynamic dynamic_connection: the
// server has already negotiated SOCKS5 with the user and is reporting the
// resolved target. The agent dials it, reports dynamic_ready/dynamic_failed
// so the server can reply to the waiting SOCKS5 client, then (on success)
// opens the data connection and splices.
func (a *Agent) handleDynamicConnection(m protocol.DynamicConnection) {
	target := net.JoinHostPort(m.TargetHost, strconv.Itoa(m.TargetPort))
	localConn, err := net.DialTimeout("tcp", target, a.cfg.DialTimeout)

	codec := a.currentCodec()
	if codec == nil {
		if localConn != nil {
			localConn.Close()
		}
		return
	}

	if err != nil {
		a.log.Warn("dynamic: target dial failed", "target", target, "error", err)
		codec.WriteMessage(protocol.TypeDynamicFailed, protocol.DynamicFailed{
			ConnectionID: m.ConnectionID, Error: err.Error(),
		})
		return
	}

	if err := codec.WriteMessage(protocol.TypeDynamicReady, protocol.DynamicReady{ConnectionID: m.ConnectionID}); err != nil {
		localConn.Close()
		return
	}

	dataConn, err := a.dialDataConnection(m.ConnectionID)
	if err != nil {
		a.log.Warn("dynamic: data connection dial failed", "error", err)
		localConn.Close()
		return
	}

	safego.Go(a.log, "pipe", func() { pipe(localConn, dataConn) })
}
