// Package cache provides TTL-based caching infrastructure for
// Kubernetes discovery data. The domain layer only sees the
// core.DiscoveryRepo it decorates.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
)

// DefaultTTL is the TTL used when the configuration leaves it unset.
const DefaultTTL = 10 * time.Minute

// singleflightFetchTimeout is the maximum time a cache-miss fetch is
// allowed to run. It uses context.WithoutCancel so that a single
// caller's cancellation does not fail all singleflight waiters.
const singleflightFetchTimeout = 30 * time.Second

// groupsCacheEntry pairs the resource groups of one context with
// their expiration time.
type groupsCacheEntry struct {
	groups    []core.ResourceGroup
	expiresAt time.Time
}

// DiscoveryCache provides TTL-based caching with singleflight
// deduplication of resource discovery, keyed by context name.
type DiscoveryCache struct {
	discovery core.DiscoveryRepo
	ttl       time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	groups  map[string]*groupsCacheEntry
	flights singleflight.Group
}

// NewDiscoveryCache returns a DiscoveryCache wrapping discovery and
// caching results for the configured TTL.
func NewDiscoveryCache(discovery core.DiscoveryRepo, conf *config.Config) *DiscoveryCache {
	ttl := conf.DiscoveryTTL()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return newDiscoveryCache(discovery, ttl)
}

func newDiscoveryCache(discovery core.DiscoveryRepo, ttl time.Duration) *DiscoveryCache {
	return &DiscoveryCache{
		discovery: discovery,
		ttl:       ttl,
		now:       time.Now,
		groups:    make(map[string]*groupsCacheEntry),
	}
}

var (
	_ core.DiscoveryRepo = (*DiscoveryCache)(nil)
	_ core.CacheEvictor  = (*DiscoveryCache)(nil)
)

// ResourceGroups returns the cached resource groups of kubeContext,
// fetching them on a miss. Concurrent misses share one fetch.
func (c *DiscoveryCache) ResourceGroups(ctx context.Context, kubeContext string) ([]core.ResourceGroup, error) {
	c.mu.RLock()
	entry, ok := c.groups[kubeContext]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.groups, nil
	}

	v, err, _ := c.flights.Do(kubeContext, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), singleflightFetchTimeout)
		defer cancel()

		groups, err := c.discovery.ResourceGroups(fetchCtx, kubeContext)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.groups[kubeContext] = &groupsCacheEntry{
			groups:    groups,
			expiresAt: c.now().Add(c.ttl),
		}
		c.mu.Unlock()

		return groups, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]core.ResourceGroup), nil
}

// Invalidate drops the cached groups of kubeContext.
func (c *DiscoveryCache) Invalidate(kubeContext string) {
	c.mu.Lock()
	delete(c.groups, kubeContext)
	c.mu.Unlock()
}

// StartEvictionLoop periodically removes expired entries so contexts
// that went away do not pin their discovery data. It blocks until ctx
// is cancelled.
func (c *DiscoveryCache) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	log := slog.Default().With("component", "discovery-cache-evictor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.evictExpired(); evicted > 0 {
				log.Info("evicted expired cache entries", "count", evicted)
			}
		}
	}
}

// evictExpired removes expired entries and reports how many.
func (c *DiscoveryCache) evictExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.groups {
		if now.After(entry.expiresAt) {
			delete(c.groups, key)
			evicted++
		}
	}
	return evicted
}
