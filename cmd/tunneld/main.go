package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "tunneld",
		Short:   "tunneld - reverse tunnel server",
		Long:    `tunneld is the publicly reachable half of the tunnel: it terminates agent control connections, binds listeners on behalf of their forwards, and multiplexes data connections between users and agents.`,
		Version: "dev",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: searches ./config.yaml, ./configs/config.yaml, /etc/tunnelcore/config.yaml)")

	rootCmd.AddCommand(newServeCommand(), newAdminCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
