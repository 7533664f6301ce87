package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nullwire/tunnelcore/internal/apperr"
	"github.com/nullwire/tunnelcore/internal/catalog"
	"github.com/nullwire/tunnelcore/internal/catalog/store"
	"github.com/nullwire/tunnelcore/internal/config"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Provision agents and forwards in the catalog database",
	}
	cmd.AddCommand(newAdminAddAgentCommand(), newAdminAddForwardCommand(), newAdminGenKeyCommand())
	return cmd
}

func newAdminAddAgentCommand() *cobra.Command {
	var name string
	var enabled bool
	cmd := &cobra.Command{
		Use:   "add-agent <id>",
		Short: "Create or update an agent, printing its token on first creation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cat, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()

			token, err := cat.PutAgent(cmd.Context(), args[0], name, enabled)
			if err != nil {
				return fmt.Errorf("put agent: %w", err)
			}
			if token != "" {
				fmt.Printf("agent %q created; token: %s\n", args[0], token)
			} else {
				fmt.Printf("agent %q updated\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the agent may connect")
	return cmd
}

func newAdminAddForwardCommand() *cobra.Command {
	var f catalog.Forward
	var direction, transport string
	cmd := &cobra.Command{
		Use:   "add-forward <id>",
		Short: "Create or update a forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cat, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()

			f.ID = args[0]
			f.Direction = catalog.Direction(direction)
			f.Transport = catalog.Transport(transport)

			if f.Enabled && f.Direction.BindsServer() && f.RemotePort != 0 {
				available, err := cat.IsRemotePortAvailable(cmd.Context(), f.RemotePort, f.ID)
				if err != nil {
					return fmt.Errorf("check remote_port availability: %w", err)
				}
				if !available {
					return apperr.NewConflict(fmt.Sprintf("remote_port %d is already bound by another forward", f.RemotePort))
				}
			}

			if err := cat.PutForward(cmd.Context(), f); err != nil {
				return fmt.Errorf("put forward: %w", err)
			}
			fmt.Printf("forward %q saved\n", f.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "owning agent id")
	cmd.Flags().StringVar(&f.Name, "name", "", "forward name, unique per agent")
	cmd.Flags().StringVar(&direction, "direction", "", "forward|reverse|dynamic|reverse-dynamic")
	cmd.Flags().StringVar(&transport, "transport", "tcp", "tcp|socks5|udp")
	cmd.Flags().Uint16Var(&f.RemotePort, "remote-port", 0, "server-bound port")
	cmd.Flags().StringVar(&f.RemoteIP, "remote-ip", "", "reverse-mode real destination host")
	cmd.Flags().StringVar(&f.LocalIP, "local-ip", "127.0.0.1", "agent-side local target host")
	cmd.Flags().Uint16Var(&f.LocalPort, "local-port", 0, "agent-side local target port")
	cmd.Flags().BoolVar(&f.Enabled, "enabled", true, "whether the forward is active")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("direction")
	return cmd
}

func newAdminGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-admin-key",
		Short: "Generate an admin key and its bcrypt hash for admin_key_hash in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := store.GenerateAdminKey()
			if err != nil {
				return err
			}
			hash, err := store.AdminKeyHash(plain)
			if err != nil {
				return err
			}
			fmt.Printf("admin key (keep secret, sent as X-Admin-Key): %s\nadmin_key_hash for config: %s\n", plain, hash)
			return nil
		},
	}
}
