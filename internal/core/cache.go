package core

import (
	"context"
	"time"
)

// CacheEvictor is a store that reclaims entries on a timer. The server
// runs one loop per evictor: the object cache sweep, the graph store
// collector and the discovery cache TTL.
type CacheEvictor interface {
	StartEvictionLoop(ctx context.Context, interval time.Duration)
}

var (
	_ CacheEvictor = (*ObjectCache)(nil)
	_ CacheEvictor = (*GraphStore)(nil)
)
