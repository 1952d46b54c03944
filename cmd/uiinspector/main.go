// Copyright 2025 Joseph Cumines
//
// uiinspector serves a UI inspector over MCP, REST and gRPC, and talks to a
// running one from the command line

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by the client commands.
type globalOptions struct {
	addr    string
	timeout time.Duration
	debug   bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "uiinspector",
		Short: "Inspect and drive a UI tree",
		Long: `uiinspector exposes a UI element tree: snapshots with paths, queries by
identifier or criteria, element metadata and actions.

"serve" runs the inspector over a fixture tree. The other commands are
clients of a running server's gRPC API (serve --grpc-address).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	defaultAddr := os.Getenv("UIINSPECTOR_GRPC_ADDRESS")
	if defaultAddr == "" {
		defaultAddr = "localhost:50051"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "gRPC address of a running inspector")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command deadline for client commands")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newTreeCmd(opts),
		newFindCmd(opts),
		newGetCmd(opts),
		newActCmd(opts),
	)
	return root
}
