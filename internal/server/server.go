// Package server implements the server side of the tunnel: the control-
// plane FSM, listener manager, the four forward engines plus UDP session
// mux, and the traffic meter flusher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/registry"
	"github.com/nullwire/tunnelcore/internal/safego"
)

// Config holds the tunable defaults for the control-plane FSM (heartbeat
// timeout, pending deadline, traffic flush interval, UDP idle timeout).
// Zero values are replaced by the documented defaults in New.
type Config struct {
	// HeartbeatTimeout is how long the server waits after the last
	// heartbeat before destroying a session.
	HeartbeatTimeout time.Duration
	// PendingTimeout is the data-join deadline.
	PendingTimeout time.Duration
	// TrafficFlushInterval is how often accumulated byte counts are
	// appended to the catalog.
	TrafficFlushInterval time.Duration
	// UDPIdleTimeout bounds how long a server-side UDP session may sit
	// idle before udpReapLoop drops it and sends the agent udp_close.
	UDPIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 40 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 10 * time.Second
	}
	if c.TrafficFlushInterval <= 0 {
		c.TrafficFlushInterval = 30 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 90 * time.Second
	}
	return c
}

// Server is the tunnel server: it accepts agent control connections and
// manages the listener/pending/traffic state shared across all of them.
type Server struct {
	catalog catalog.Adapter
	log     *slog.Logger
	cfg     Config

	agents      *registry.AgentRegistry
	listeners   *registry.ListenerRegistry
	udpSockets  *registry.PacketListenerRegistry
	udpSessions *registry.UDPSessionTable
	pending     *registry.PendingTable
	traffic     *registry.TrafficCounters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server around the given catalog adapter.
func New(cat catalog.Adapter, log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		catalog:     cat,
		log:         log.With("component", "tunnel_server"),
		cfg:         cfg.withDefaults(),
		agents:      registry.NewAgentRegistry(),
		listeners:   registry.NewListenerRegistry(),
		udpSockets:  registry.NewPacketListenerRegistry(),
		udpSessions: registry.NewUDPSessionTable(),
		pending:     registry.NewPendingTable(),
		traffic:     registry.NewTrafficCounters(),
	}
}

// Serve accepts control connections on addr and blocks until ctx is
// canceled or a fatal accept error occurs. Bootstrap listener-bind
// failures are fatal; once
// serving, failures are per-connection.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is like Serve but accepts an already-bound listener,
// useful for tests that need an ephemeral port.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.wg.Add(1)
	safego.Go(s.log, "flush_loop", func() {
		defer s.wg.Done()
		s.flushLoop()
	})

	s.wg.Add(1)
	safego.Go(s.log, "udp_reap_loop", func() {
		defer s.wg.Done()
		s.udpReapLoop()
	})

	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()

	s.log.Info("control listener started", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				s.shutdown()
				return s.ctx.Err()
			default:
				if errors.Is(err, net.ErrClosed) {
					s.shutdown()
					return nil
				}
				s.log.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		safego.Go(s.log, "handle_conn", func() {
			defer s.wg.Done()
			s.handleConn(conn)
		})
	}
}

// Wait blocks until all connection-handling goroutines have exited. Call
// after ServeListener has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) shutdown() {
	for _, h := range s.agents.Snapshot() {
		h.Terminate("server shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flushTraffic(ctx)
}

// OnReload implements catalog.ReloadNotifier, letting a catalog adapter
// that also serves admin writes invoke the server's reload path directly
// (e.g. store.SQLiteCatalog.SetReloadHandler(srv)).
func (s *Server) OnReload(agentID string) { s.ReloadAgent(agentID) }

var _ catalog.ReloadNotifier = (*Server)(nil)

// ReloadAgent implements the catalog's onReload(agentId) trigger: if the
// agent is currently connected, its listener set is reconciled against
// the catalog and a config_update is pushed.
func (s *Server) ReloadAgent(agentID string) {
	h, ok := s.agents.Get(agentID)
	if !ok {
		return
	}
	sess, ok := h.(*controlSession)
	if !ok {
		return
	}
	sess.reload(s.ctx)
}

// Agents exposes the agent registry for admin/introspection use.
func (s *Server) Agents() *registry.AgentRegistry { return s.agents }

// Listeners exposes the listener registry for admin/introspection use.
func (s *Server) Listeners() *registry.ListenerRegistry { return s.listeners }
