// Package cmd defines the Cobra subcommands and their Wire provider
// set. It bridges configuration, dependency injection, and the
// transport/application layers.
package cmd

import (
	"github.com/google/wire"

	"github.com/otterscale/kube-explorer/internal/cmd/server"
)

// ProviderSet is the Wire provider set for the CLI layer. It exposes
// the Server constructor, its handler and its background loops.
var ProviderSet = wire.NewSet(
	server.NewServer,
	server.NewHandler,
	server.ProvideBackgroundListeners,
)
