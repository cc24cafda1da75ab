// Package providers aggregates all infrastructure-layer implementations
// (kubernetes, discovery cache, stream, store) into a single Wire
// provider set.
package providers

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
	"github.com/otterscale/kube-explorer/internal/providers/cache"
	"github.com/otterscale/kube-explorer/internal/providers/kubernetes"
	"github.com/otterscale/kube-explorer/internal/providers/store"
	"github.com/otterscale/kube-explorer/internal/providers/stream"
)

// ProviderSet is the Wire provider set for all external adapters.
var ProviderSet = wire.NewSet(
	kubernetes.New,
	kubernetes.NewContextRepo,
	kubernetes.NewObjectRepo,
	kubernetes.NewStream,
	ProvideDiscoveryCache,
	wire.Bind(new(core.DiscoveryRepo), new(*cache.DiscoveryCache)),
	ProvideStreamTransport,
	store.New,
	store.NewWatchRepo,
	stream.NewClient,
)

// ProvideDiscoveryCache wraps the Kubernetes discovery repo in the TTL
// cache. The cache is both the core.DiscoveryRepo seen by the domain
// and an evictor run by the server.
func ProvideDiscoveryCache(k *kubernetes.Kubernetes, conf *config.Config) *cache.DiscoveryCache {
	return cache.NewDiscoveryCache(kubernetes.NewDiscoveryRepo(k), conf)
}

// ProvideStreamTransport picks the remote websocket client when a
// stream url is configured, and the in-process informer stream
// otherwise. The cleanup closes whichever transport was chosen.
func ProvideStreamTransport(conf *config.Config, local *kubernetes.Stream, remote *stream.Client) (core.StreamTransport, func()) {
	if conf.StreamURL() != "" {
		slog.Info("watching clusters through remote stream", "url", conf.StreamURL())
		return remote, func() {
			if err := remote.Close(); err != nil {
				slog.Warn("failed to close stream client", "error", err)
			}
		}
	}
	return local, local.Close
}
