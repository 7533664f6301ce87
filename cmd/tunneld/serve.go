package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nullwire/tunnelcore/internal/catalog/store"
	"github.com/nullwire/tunnelcore/internal/config"
	"github.com/nullwire/tunnelcore/internal/logging"
	"github.com/nullwire/tunnelcore/internal/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})

	cat, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	srv := server.New(cat, log, server.Config{
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		PendingTimeout:       cfg.PendingTimeout,
		TrafficFlushInterval: cfg.TrafficFlushInterval,
		UDPIdleTimeout:       cfg.UDPIdleTimeout,
	})
	cat.SetReloadHandler(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("starting control-plane listener", "addr", cfg.ListenAddr)
		serveErrCh <- srv.Serve(ctx, cfg.ListenAddr)
	}()

	var adminSrv *http.Server
	if cfg.AdminKeyHash != "" && cfg.AdminListenAddr != "" {
		gate := store.NewAdminGate(cfg.AdminKeyHash)
		mux := http.NewServeMux()
		mux.Handle("/reload", gate.Middleware(store.ReloadHandler(func(_ context.Context, agentID string) {
			srv.ReloadAgent(agentID)
		})))
		adminSrv = &http.Server{Addr: cfg.AdminListenAddr, Handler: mux}
		go func() {
			log.Info("starting admin listener", "addr", cfg.AdminListenAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin listener failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Error("control-plane listener exited", "error", err)
			return err
		}
	case <-quit:
		log.Info("shutting down")
	}

	cancel()
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	srv.Wait()
	log.Info("server exited gracefully")
	return nil
}
