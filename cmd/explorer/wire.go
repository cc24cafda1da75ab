//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/otterscale/kube-explorer/internal/app"
	"github.com/otterscale/kube-explorer/internal/cmd"
	"github.com/otterscale/kube-explorer/internal/cmd/server"
	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
	"github.com/otterscale/kube-explorer/internal/providers"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}

func wireServer(core.Version, *config.Config) (*server.Server, func(), error) {
	panic(wire.Build(
		cmd.ProviderSet,
		app.ProviderSet,
		core.ProviderSet,
		providers.ProviderSet,
	))
}
