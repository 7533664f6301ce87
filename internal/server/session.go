package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/protocol"
)

// controlSession is one authenticated agent's control-plane connection: the
// AUTHENTICATED state of the per-agent FSM. A connection that never
// completes a handshake never gets a controlSession at all —
// Server.handleConn deals with the NEW state directly.
type controlSession struct {
	srv     *Server
	codec   *protocol.Codec
	agentID string
	log     *slog.Logger

	reconcileMu sync.Mutex

	heartbeatMu    sync.Mutex
	heartbeatTimer *time.Timer

	closeOnce sync.Once
	closed    atomic.Bool
}

// AgentID implements registry.SessionHandle.
func (cs *controlSession) AgentID() string { return cs.agentID }

// Terminate implements registry.SessionHandle: the CLOSED state. It closes
// the socket, stops the heartbeat timer, and fails every Pending and
// Listener this agent owned. Safe to call more than once and from any
// goroutine (heartbeat timer, read loop, supersession, server shutdown).
func (cs *controlSession) Terminate(reason string) {
	cs.closeOnce.Do(func() {
		cs.closed.Store(true)
		cs.log.Info("control session closed", "reason", reason)

		cs.heartbeatMu.Lock()
		if cs.heartbeatTimer != nil {
			cs.heartbeatTimer.Stop()
		}
		cs.heartbeatMu.Unlock()

		var teardown *multierror.Error
		if err := cs.codec.Close(); err != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("close control socket: %w", err))
		}

		for _, l := range cs.srv.listeners.RemoveAllForAgent(cs.agentID) {
			if err := l.Listener.Close(); err != nil {
				teardown = multierror.Append(teardown, fmt.Errorf("close listener on port %d: %w", l.RemotePort, err))
			}
		}
		for _, u := range cs.srv.udpSockets.RemoveAllForAgent(cs.agentID) {
			if err := u.Conn.Close(); err != nil {
				teardown = multierror.Append(teardown, fmt.Errorf("close udp socket on port %d: %w", u.RemotePort, err))
			}
		}
		cs.srv.udpSessions.RemoveAllForAgent(cs.agentID)
		for _, p := range cs.srv.pending.RemoveAllForAgent(cs.agentID) {
			if err := p.Conn.Close(); err != nil {
				teardown = multierror.Append(teardown, fmt.Errorf("close pending %s: %w", p.ID, err))
			}
		}

		cs.srv.agents.Unregister(cs)

		if teardown.ErrorOrNil() != nil {
			cs.log.Warn("errors while tearing down session", "error", teardown)
		}
	})
}

func (cs *controlSession) armHeartbeat(d time.Duration) {
	cs.heartbeatMu.Lock()
	defer cs.heartbeatMu.Unlock()
	if cs.closed.Load() {
		return
	}
	if cs.heartbeatTimer != nil {
		cs.heartbeatTimer.Stop()
	}
	cs.heartbeatTimer = time.AfterFunc(d, func() {
		cs.Terminate("heartbeat timeout")
	})
}

// readLoop is the AUTHENTICATED state's steady-state message pump. It runs
// until the connection errors or Terminate closes the codec out from under
// it (in which case ReadLine returns an error and the loop exits quietly).
func (cs *controlSession) readLoop() {
	ctx := context.Background()
	for {
		env, err := cs.codec.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				cs.log.Warn("malformed control message, continuing", "error", err)
				continue
			}
			cs.Terminate("read error: " + err.Error())
			return
		}
		cs.dispatch(ctx, env)
	}
}

func (cs *controlSession) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		cs.armHeartbeat(cs.srv.cfg.HeartbeatTimeout)
		if err := cs.codec.WriteMessage(protocol.TypeHeartbeatAck, nil); err != nil {
			cs.Terminate("write heartbeat_ack failed: " + err.Error())
		}

	case protocol.TypeReverseConnection:
		var m protocol.ReverseConnection
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed reverse_connection", "error", err)
			return
		}
		cs.srv.handleReverseConnection(ctx, cs, m)

	case protocol.TypeReverseDynamic:
		var m protocol.ReverseDynamic
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed reverse_dynamic", "error", err)
			return
		}
		cs.srv.handleReverseDynamic(ctx, cs, m)

	case protocol.TypeDynamicReady:
		var m protocol.DynamicReady
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed dynamic_ready", "error", err)
			return
		}
		cs.srv.handleDynamicReady(cs, m)

	case protocol.TypeDynamicFailed:
		var m protocol.DynamicFailed
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed dynamic_failed", "error", err)
			return
		}
		cs.srv.handleDynamicFailed(cs, m)

	case protocol.TypeUDPPacketResponse:
		var m protocol.UDPPacketResponse
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed udp_packet_response", "error", err)
			return
		}
		cs.srv.handleUDPPacketResponse(cs, m)

	case protocol.TypeUDPClose:
		var m protocol.UDPClose
		if err := env.Decode(&m); err != nil {
			cs.log.Warn("malformed udp_close", "error", err)
			return
		}
		cs.srv.handleUDPCloseFromAgent(cs, m)

	case protocol.TypeRegister:
		cs.log.Warn("rejecting legacy register message")

	default:
		cs.log.Debug("unrecognized message type, ignoring", "type", env.Type)
	}
}

// reload re-reads this agent's forwards from the catalog, reconciles its
// listeners, and pushes the authoritative list down. Called from Server.ReloadAgent.
func (cs *controlSession) reload(ctx context.Context) {
	forwards, err := cs.srv.catalog.GetForwardsByAgent(ctx, cs.agentID)
	if err != nil {
		cs.log.Error("reload: catalog lookup failed", "error", err)
		return
	}
	cs.reconcileListeners(ctx, forwards)
	if err := cs.codec.WriteMessage(protocol.TypeConfigUpdate, protocol.ConfigUpdate{
		PortForwards: toPortForwards(forwards),
	}); err != nil {
		cs.Terminate("write config_update failed: " + err.Error())
	}
}

// handleConn is the NEW state of the FSM: the first line on a freshly
// accepted connection decides whether it becomes a control session or a
// data-connection join. Anything else destroys the connection.
func (s *Server) handleConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(20 * time.Second)
	}
	codec := protocol.NewCodec(conn)

	env, err := codec.ReadLine()
	if err != nil {
		s.log.Debug("closing connection before first message parsed", "error", err)
		codec.Close()
		return
	}

	switch env.Type {
	case protocol.TypeControlHandshake:
		s.authenticate(codec, env)
	case protocol.TypeDataConnection:
		s.joinDataConnection(codec, env)
	default:
		s.log.Warn("first message was not control_handshake or data_connection, destroying", "type", env.Type)
		codec.Close()
	}
}

func (s *Server) authenticate(codec *protocol.Codec, env protocol.Envelope) {
	var hs protocol.ControlHandshake
	if err := env.Decode(&hs); err != nil {
		_ = codec.WriteMessage(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: "malformed handshake"})
		codec.Close()
		return
	}

	ctx := context.Background()
	agent, err := s.catalog.GetAgentByToken(ctx, hs.Token)
	if err != nil {
		s.log.Warn("authentication failed", "error", err)
		_ = codec.WriteMessage(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: "invalid token"})
		codec.Close()
		return
	}

	forwards, err := s.catalog.GetForwardsByAgent(ctx, agent.ID)
	if err != nil {
		s.log.Error("catalog lookup failed during auth", "agent", agent.ID, "error", err)
		_ = codec.WriteMessage(protocol.TypeAuthResponse, protocol.AuthResponse{Success: false, Error: "catalog unavailable"})
		codec.Close()
		return
	}

	cs := &controlSession{
		srv:     s,
		codec:   codec,
		agentID: agent.ID,
		log:     s.log.With("agent_id", agent.ID),
	}

	if old := s.agents.Register(cs); old != nil {
		old.Terminate("superseded by new handshake")
	}

	if err := codec.WriteMessage(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success:      true,
		PortForwards: toPortForwards(forwards),
	}); err != nil {
		cs.Terminate("write auth_response failed: " + err.Error())
		return
	}

	cs.log.Info("agent authenticated", "forwards", len(forwards))
	cs.reconcileListeners(ctx, forwards)
	cs.armHeartbeat(s.cfg.HeartbeatTimeout)
	cs.readLoop()
}

func toPortForwards(forwards []catalog.Forward) []protocol.PortForward {
	out := make([]protocol.PortForward, 0, len(forwards))
	for _, f := range forwards {
		out = append(out, protocol.PortForward{
			Name:       f.Name,
			Direction:  string(f.Direction),
			ProxyType:  string(f.Transport),
			RemotePort: f.RemotePort,
			RemoteIP:   f.RemoteIP,
			LocalIP:    f.LocalIP,
			LocalPort:  f.LocalPort,
		})
	}
	return out
}
