package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/webmesh/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webmesh",
		Short: "Path-routed messaging over WebSocket",
		Long: `webmesh runs a WebSocket server that routes messages to handlers by path,
and talks to such servers from the command line.

Settings are read from WEBMESH_* environment variables and an optional .env
file in the working directory. Flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.Host, "host", "H", cfg.Host, "Host to bind or connect to")
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to bind or connect to")
	flags.StringVar(&cfg.Serializer, "serializer", cfg.Serializer, "Wire serializer: binary, json or hex")
	flags.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "Envelope protocol: simple or nullreply")
	flags.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(cfg),
		callCmd(cfg),
		emitCmd(cfg),
		versionCmd(),
	)

	return rootCmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}
