// Package agentside implements the agent half of the tunnel: the control
// connection with reconnect-with-backoff, the listener reconciliation for
// reverse/reverse-dynamic forwards, and the dial-back handling for
// forward/forward-dynamic/UDP instructions from the server.
package agentside

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nullwire/tunnelcore/internal/protocol"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// Config holds the agent's tunables.
type Config struct {
	ServerAddr string
	Token      string

	// HeartbeatInterval is how often the agent sends heartbeat.
	HeartbeatInterval time.Duration
	// DialTimeout bounds every outbound dial: control connection, data
	// connection, and local/target dials.
	DialTimeout time.Duration
	// PendingTimeout bounds how long a locally-accepted reverse/reverse-
	// dynamic connection waits for the server's ready/failed reply.
	PendingTimeout time.Duration
	// UDPIdleTimeout bounds how long a local UDP session may sit idle
	// before the agent closes it and tells the server.
	UDPIdleTimeout time.Duration

	// ReconnectInitialInterval/MaxInterval configure the exponential
	// backoff between control-connection attempts.
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 10 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 90 * time.Second
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
	return c
}

// Agent is one running tunnel agent: a single logical control connection
// (reconnected with backoff as needed) plus the local listeners and dial
// handling it drives.
type Agent struct {
	cfg Config
	log *slog.Logger

	codecMu sync.Mutex
	codec   *protocol.Codec

	forwardsMu sync.Mutex
	forwards   map[string]protocol.PortForward // by Name

	listenersMu sync.Mutex
	listeners   map[string]net.Listener // by forward Name, reverse/reverse-dynamic only

	pending *registry.PendingTable // agent-local; AgentID is always "" here

	udpMu    sync.Mutex
	udpConns map[string]*udpTarget

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Agent. Call Run to start it.
func New(cfg Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "tunnel_agent"),
		forwards:  make(map[string]protocol.PortForward),
		listeners: make(map[string]net.Listener),
		pending:   registry.NewPendingTable(),
		udpConns:  make(map[string]*udpTarget),
	}
}

// Run connects to the server and reconnects with exponential backoff until
// ctx is canceled. It only returns once ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = a.cfg.ReconnectInitialInterval
	expBackoff.MaxInterval = a.cfg.ReconnectMaxInterval
	expBackoff.Reset()

	for {
		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		default:
		}

		err := a.runOnce()
		if a.ctx.Err() != nil {
			return a.ctx.Err()
		}
		a.log.Warn("control connection ended, reconnecting", "error", err)

		delay := expBackoff.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return a.ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce drives a single control connection's lifecycle: dial, handshake,
// reconcile, steady-state read loop. Any return is treated by Run as a
// disconnect to retry after backoff.
func (a *Agent) runOnce() error {
	conn, err := net.DialTimeout("tcp", a.cfg.ServerAddr, a.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial control connection: %w", err)
	}
	codec := protocol.NewCodec(conn)
	defer codec.Close()

	if err := codec.WriteMessage(protocol.TypeControlHandshake, protocol.ControlHandshake{Token: a.cfg.Token}); err != nil {
		return fmt.Errorf("write control_handshake: %w", err)
	}

	env, err := codec.ReadLine()
	if err != nil {
		return fmt.Errorf("read auth_response: %w", err)
	}
	if env.Type != protocol.TypeAuthResponse {
		return fmt.Errorf("expected auth_response, got %q", env.Type)
	}
	var resp protocol.AuthResponse
	if err := env.Decode(&resp); err != nil {
		return fmt.Errorf("decode auth_response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("authentication rejected: %s", resp.Error)
	}

	a.codecMu.Lock()
	a.codec = codec
	a.codecMu.Unlock()
	defer func() {
		a.codecMu.Lock()
		a.codec = nil
		a.codecMu.Unlock()
		a.teardown()
	}()

	a.log.Info("connected to server", "addr", a.cfg.ServerAddr, "forwards", len(resp.PortForwards))
	a.reconcile(resp.PortForwards)

	heartbeatDone := make(chan struct{})
	safego.Go(a.log, "heartbeat_loop", func() { a.heartbeatLoop(codec, heartbeatDone) })
	defer close(heartbeatDone)

	for {
		env, err := codec.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				a.log.Warn("malformed control message, continuing", "error", err)
				continue
			}
			return fmt.Errorf("read control message: %w", err)
		}
		a.dispatch(env)
	}
}

func (a *Agent) heartbeatLoop(codec *protocol.Codec, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := codec.WriteMessage(protocol.TypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (a *Agent) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		// nothing to do

	case protocol.TypeConfigUpdate:
		var m protocol.ConfigUpdate
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed config_update", "error", err)
			return
		}
		a.reconcile(m.PortForwards)

	case protocol.TypeNewConnection:
		var m protocol.NewConnection
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed new_connection", "error", err)
			return
		}
		safego.Go(a.log, "handle_new_connection", func() { a.handleNewConnection(m) })

	case protocol.TypeDynamicConnection:
		var m protocol.DynamicConnection
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed dynamic_connection", "error", err)
			return
		}
		safego.Go(a.log, "handle_dynamic_connection", func() { a.handleDynamicConnection(m) })

	case protocol.TypeReverseReady:
		var m protocol.ReverseReady
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed reverse_ready", "error", err)
			return
		}
		a.handleReverseReady(m.ConnectionID)

	case protocol.TypeReverseFailed:
		var m protocol.ReverseFailed
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed reverse_failed", "error", err)
			return
		}
		a.handleReverseFailed(m.ConnectionID, m.Error)

	case protocol.TypeReverseDynamicReady:
		var m protocol.ReverseDynamicReady
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed reverse_dynamic_ready", "error", err)
			return
		}
		a.handleReverseDynamicReady(m.ConnectionID)

	case protocol.TypeReverseDynamicFailed:
		var m protocol.ReverseDynamicFailed
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed reverse_dynamic_failed", "error", err)
			return
		}
		a.handleReverseDynamicFailed(m.ConnectionID, m.Error)

	case protocol.TypeUDPPacket:
		var m protocol.UDPPacket
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed udp_packet", "error", err)
			return
		}
		safego.Go(a.log, "handle_udp_packet", func() { a.handleUDPPacket(m) })

	case protocol.TypeUDPClose:
		var m protocol.UDPClose
		if err := env.Decode(&m); err != nil {
			a.log.Warn("malformed udp_close", "error", err)
			return
		}
		a.closeUDP(m.ConnectionID)

	default:
		a.log.Debug("unrecognized message type, ignoring", "type", env.Type)
	}
}

func (a *Agent) currentCodec() *protocol.Codec {
	a.codecMu.Lock()
	defer a.codecMu.Unlock()
	return a.codec
}

func (a *Agent) lookupForward(name string) (protocol.PortForward, bool) {
	a.forwardsMu.Lock()
	defer a.forwardsMu.Unlock()
	f, ok := a.forwards[name]
	return f, ok
}

// dialDataConnection opens a new connection to the server and joins it to
// connID as the secondary data socket.
func (a *Agent) dialDataConnection(connID string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", a.cfg.ServerAddr, a.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	codec := protocol.NewCodec(conn)
	if err := codec.WriteMessage(protocol.TypeDataConnection, protocol.DataConnection{ConnectionID: connID}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// teardown runs when the control connection drops: local listeners, waiting
// reverse connections, and UDP sessions can't be serviced without a server,
// so everything is closed and rebuilt fresh on the next successful connect.
func (a *Agent) teardown() {
	a.listenersMu.Lock()
	for name, ln := range a.listeners {
		ln.Close()
		delete(a.listeners, name)
	}
	a.listenersMu.Unlock()

	for _, p := range a.pending.RemoveAllForAgent("") {
		p.Conn.Close()
	}

	a.udpMu.Lock()
	for connID, t := range a.udpConns {
		t.conn.Close()
		delete(a.udpConns, connID)
	}
	a.udpMu.Unlock()
}
