package server

import (
	"time"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
	"github.com/otterscale/kube-explorer/internal/providers/cache"
	"github.com/otterscale/kube-explorer/internal/transport"
)

// discoveryEvictionInterval is the interval at which the discovery
// cache evictor removes expired resource groups.
const discoveryEvictionInterval = 5 * time.Minute

// BackgroundListeners are the periodic loops that run alongside the
// HTTP server.
type BackgroundListeners []transport.Listener

// ProvideBackgroundListeners constructs the object cache refresh
// loop, the graph store collector and the discovery cache evictor.
// Non-positive intervals fall back to the defaults.
func ProvideBackgroundListeners(conf *config.Config, objects *core.ObjectCache, graph *core.GraphStore, discovery *cache.DiscoveryCache) BackgroundListeners {
	return BackgroundListeners{
		evictionListener("object-cache", orDefault(conf.CacheRefreshInterval(), core.DefaultRefreshInterval), objects),
		evictionListener("graph-store", orDefault(conf.GraphGCInterval(), core.DefaultGraphGCInterval), graph),
		evictionListener("discovery-cache", discoveryEvictionInterval, discovery),
	}
}

func evictionListener(name string, interval time.Duration, evictor core.CacheEvictor) transport.Listener {
	return transport.NewLoopListener(name, interval, evictor.StartEvictionLoop)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
