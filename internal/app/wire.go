// Package app exposes the explorer over HTTP: the connect API and the
// websocket stream relay.
package app

import (
	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for the application layer.
var ProviderSet = wire.NewSet(
	NewExplorerService,
	NewStreamRelay,
)
