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
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Realtime request/broadcast relay server",
		Long: `relayd serves a WebSocket endpoint speaking the relay wire protocol:
unary API requests with correlated replies, room-scoped sync broadcasts,
and presence tracking with disconnect grace windows.

Configuration is read from relay.json in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
