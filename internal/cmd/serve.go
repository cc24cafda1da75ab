package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otterscale/kube-explorer/internal/cmd/server"
	"github.com/otterscale/kube-explorer/internal/config"
)

// ServerInjector builds a fully wired Server and its cleanup.
type ServerInjector func() (*server.Server, func(), error)

// NewServeCommand returns the serve subcommand. Dependencies are built
// only when the command runs, after flags are parsed.
func NewServeCommand(conf *config.Config, newServer ServerInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the explorer API and stream relay for the configured kube contexts",
		Example: "explorer serve --address=:8299 --kube-config=$HOME/.kube/config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, cleanup, err := newServer()
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer cleanup()

			cfg := server.Config{
				Address:        conf.ServerAddress(),
				AllowedOrigins: conf.ServerAllowedOrigins(),
			}

			return srv.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServeOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
