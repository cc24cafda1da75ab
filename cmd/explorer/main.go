// Package main is the entry point for the explorer binary. The serve
// subcommand watches the configured kube contexts and exposes the
// object graph over Connect and the websocket stream relay.
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otterscale/kube-explorer/internal/cmd"
	"github.com/otterscale/kube-explorer/internal/cmd/server"
	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command.
// The server graph is built lazily by the serve subcommand so that
// flags are parsed before any kube client or database is opened.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "explorer",
		Short:         "Explore Kubernetes objects and the relations between them across kube contexts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v := core.Version(version)

	serveCmd, err := cmd.NewServeCommand(conf, func() (*server.Server, func(), error) {
		return wireServer(v, conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd)

	return c, nil
}
