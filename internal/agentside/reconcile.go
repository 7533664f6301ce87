package agentside

import (
	"net"
	"strconv"

	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// reconcile applies a fresh authoritative forward list, delivered either in
// auth_response or a later config_update. Forward and forward-dynamic
// directions need no local action: the server drives those entirely via
// new_connection/dynamic_connection. Reverse and reverse-dynamic directions
// each need a local listener bound on LocalIP:LocalPort, started or stopped
// to match the new list.
func (a *Agent) reconcile(forwards []protocol.PortForward) {
	byName := make(map[string]protocol.PortForward, len(forwards))
	for _, f := range forwards {
		byName[f.Name] = f
	}
	a.forwardsMu.Lock()
	a.forwards = byName
	a.forwardsMu.Unlock()

	desired := make(map[string]protocol.PortForward)
	for _, f := range forwards {
		if f.Direction == "reverse" || f.Direction == "reverse-dynamic" {
			desired[f.Name] = f
		}
	}

	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()

	for name, ln := range a.listeners {
		if _, ok := desired[name]; !ok {
			ln.Close()
			delete(a.listeners, name)
			a.log.Info("stopped local listener for removed forward", "forward", name)
		}
	}

	for name, f := range desired {
		if _, ok := a.listeners[name]; ok {
			continue
		}
		addr := net.JoinHostPort(f.LocalIP, strconv.Itoa(int(f.LocalPort)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.log.Warn("failed to bind local listener", "forward", name, "addr", addr, "error", err)
			continue
		}
		a.listeners[name] = ln
		a.log.Info("started local listener", "forward", name, "addr", addr, "direction", f.Direction)

		fwd := f
		if fwd.Direction == "reverse-dynamic" {
			safego.Go(a.log, "accept_reverse_dynamic_loop", func() { a.acceptReverseDynamicLoop(ln, fwd) })
		} else {
			safego.Go(a.log, "accept_reverse_loop", func() { a.acceptReverseLoop(ln, fwd) })
		}
	}
}
