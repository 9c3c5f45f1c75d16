package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resws",
		Short: "A resilient WebSocket client",
		Long: `resws keeps a WebSocket session alive across network failures.

It reconnects with exponential backoff, sends keepalive pings while
connected, and waits for the network to come back before retrying.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		connectCmd(),
		versionCmd(),
	)

	return cmd
}
