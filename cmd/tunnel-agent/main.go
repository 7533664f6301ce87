package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nullwire/tunnelcore/internal/agentside"
	"github.com/nullwire/tunnelcore/internal/config"
	"github.com/nullwire/tunnelcore/internal/logging"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "tunnel-agent",
		Short:   "tunnel-agent - reverse tunnel agent",
		Long:    `tunnel-agent runs behind a NAT or firewall, maintains a control connection to tunneld, and dials or accepts the local ends of forward/reverse/dynamic/UDP forwards.`,
		Version: "dev",
		RunE:    run,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: searches ./config.yaml, ./configs/config.yaml, /etc/tunnelcore/config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})

	agent := agentside.New(agentside.Config{
		ServerAddr:               cfg.ServerAddr,
		Token:                    cfg.Token,
		HeartbeatInterval:        cfg.HeartbeatInterval,
		DialTimeout:              cfg.DialTimeout,
		PendingTimeout:           cfg.PendingTimeout,
		UDPIdleTimeout:           cfg.UDPIdleTimeout,
		ReconnectInitialInterval: cfg.ReconnectInitialInterval,
		ReconnectMaxInterval:     cfg.ReconnectMaxInterval,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		log.Info("connecting", "server_addr", cfg.ServerAddr)
		runErrCh <- agent.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil {
			log.Error("agent exited", "error", err)
			return err
		}
	case <-quit:
		log.Info("shutting down")
		cancel()
		<-runErrCh
	}

	log.Info("agent exited gracefully")
	return nil
}
