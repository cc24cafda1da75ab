package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DefaultRefreshInterval is the period of the object cache's
// refresh/GC sweep.
const DefaultRefreshInterval = 1000 * time.Millisecond

// deletedRetention is how long an object reported deleted stays in
// the cache before the sweep evicts it.
const deletedRetention = 2000 * time.Millisecond

// ObjectEventHandler receives the objects merged from a watch, or the
// error that prevented a merge.
type ObjectEventHandler func(obj *Object, err error)

// resourceKey scopes an object table to a cluster and resource.
type resourceKey struct {
	clusterUID string
	resource   string
}

// ObjectCache is the authoritative table of known objects per cluster
// and resource. It merges list snapshots with watch pushes and
// reference-counts objects through holder tokens: an object stays
// cached while at least one fetch or watch holds it, and the periodic
// sweep reclaims whatever is abandoned or deleted.
type ObjectCache struct {
	contexts  ContextRepo
	discovery DiscoveryRepo
	repo      ObjectRepo
	stream    StreamTransport
	now       func() time.Time
	log       *slog.Logger

	mu             sync.Mutex
	kubeContexts   []KubeContext
	resourceGroups map[string][]ResourceGroup
	objects        map[resourceKey]map[ObjectIdent]*Object

	flights   singleflight.Group
	connected atomic.Bool
	sweeping  atomic.Bool
}

// NewObjectCache returns an empty ObjectCache.
func NewObjectCache(contexts ContextRepo, discovery DiscoveryRepo, repo ObjectRepo, stream StreamTransport) *ObjectCache {
	return &ObjectCache{
		contexts:       contexts,
		discovery:      discovery,
		repo:           repo,
		stream:         stream,
		now:            time.Now,
		log:            slog.Default().With("component", "object-cache"),
		resourceGroups: map[string][]ResourceGroup{},
		objects:        map[resourceKey]map[ObjectIdent]*Object{},
	}
}

// ---------------------------------------------------------------------------
// Contexts and resources
// ---------------------------------------------------------------------------

// FetchContexts loads the kube contexts once. Later calls return the
// memoized list.
func (c *ObjectCache) FetchContexts(ctx context.Context) ([]KubeContext, error) {
	if kctxs := c.Contexts(); len(kctxs) > 0 {
		return kctxs, nil
	}

	_, err, _ := c.flights.Do("contexts", func() (any, error) {
		kctxs, err := c.contexts.List(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("list contexts: %w", err)
		}
		c.mu.Lock()
		c.kubeContexts = kctxs
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return c.Contexts(), nil
}

// Contexts returns the loaded kube contexts.
func (c *ObjectCache) Contexts() []KubeContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]KubeContext(nil), c.kubeContexts...)
}

// Context looks up a loaded kube context by name.
func (c *ObjectCache) Context(name string) (KubeContext, error) {
	for _, kctx := range c.Contexts() {
		if kctx.Name == name {
			return kctx, nil
		}
	}
	return KubeContext{}, &ErrContextNotFound{Name: name}
}

// ContextsOfCluster returns the loaded contexts pointing at the
// cluster with the given UID, in kubeconfig order.
func (c *ObjectCache) ContextsOfCluster(clusterUID string) []KubeContext {
	var out []KubeContext
	for _, kctx := range c.Contexts() {
		if kctx.ClusterUID == clusterUID {
			out = append(out, kctx)
		}
	}
	return out
}

// FetchResources loads the resource groups of kctx once.
func (c *ObjectCache) FetchResources(ctx context.Context, kctx KubeContext) ([]ResourceGroup, error) {
	if groups := c.ResourceGroups(kctx); len(groups) > 0 {
		return groups, nil
	}

	_, err, _ := c.flights.Do("resources/"+kctx.Name, func() (any, error) {
		groups, err := c.discovery.ResourceGroups(context.WithoutCancel(ctx), kctx.Name)
		if err != nil {
			return nil, fmt.Errorf("list resources of %s: %w", kctx.Name, err)
		}
		for i := range groups {
			for j := range groups[i].Resources {
				groups[i].Resources[j].GroupVersion = groups[i].GroupVersion
			}
		}
		c.mu.Lock()
		c.resourceGroups[kctx.Name] = groups
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return c.ResourceGroups(kctx), nil
}

// ResourceGroups returns the loaded resource groups of kctx.
func (c *ObjectCache) ResourceGroups(kctx KubeContext) []ResourceGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resourceGroups[kctx.Name]
}

// Resource finds a loaded resource by group-version and kind.
func (c *ObjectCache) Resource(kctx KubeContext, groupVersion, kind string) (Resource, bool) {
	for _, group := range c.ResourceGroups(kctx) {
		if group.GroupVersion != groupVersion {
			continue
		}
		for _, res := range group.Resources {
			if res.Kind == kind {
				return res, true
			}
		}
	}
	return Resource{}, false
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Objects returns the cached objects of res in the cluster of kctx.
func (c *ObjectCache) Objects(kctx KubeContext, res Resource) map[ObjectIdent]*Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := c.objects[resourceKey{kctx.ClusterUID, res.key()}]
	out := make(map[ObjectIdent]*Object, len(table))
	for ident, obj := range table {
		out[ident] = obj
	}
	return out
}

// Lookup finds a cached object by identity in any table.
func (c *ObjectCache) Lookup(ident ObjectIdent) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, table := range c.objects {
		if obj, ok := table[ident]; ok {
			return obj, true
		}
	}
	return nil, false
}

// Len returns the number of cached objects across all tables.
func (c *ObjectCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, table := range c.objects {
		n += len(table)
	}
	return n
}

// FetchObjects lists res and merges the result into the cache. Cached
// objects of res missing from the list are dropped from the table
// (their instances stay valid for whoever still references them). The
// returned objects are held until release is called.
func (c *ObjectCache) FetchObjects(ctx context.Context, kctx KubeContext, res Resource, sel Selector) (map[ObjectIdent]*Object, func(), error) {
	items, err := c.repo.List(ctx, kctx.Name, res, sel)
	if err != nil {
		return nil, nil, err
	}

	token := "fetch-" + uuid.NewString()
	now := c.now()
	fetched := make(map[ObjectIdent]*Object, len(items))

	c.mu.Lock()
	table := c.tableLocked(kctx.ClusterUID, res)
	for i := range items {
		obj := c.mergeLocked(table, kctx.ClusterUID, res, &items[i], now)
		obj.hold(token)
		fetched[obj.ident] = obj
	}
	for ident, obj := range table {
		if _, ok := fetched[ident]; !ok {
			obj.markLost(now)
			delete(table, ident)
		}
	}
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, obj := range fetched {
				if obj.release(token) == 0 {
					c.evictLocked(obj)
				}
			}
		})
	}

	return fetched, release, nil
}

// WatchObjects subscribes to pushes for res and merges every pushed
// object into the cache, holding it until unsubscribe is called.
// Objects pushed as deleted get their deletion time stamped. A panic
// in onEvent is recovered and logged.
func (c *ObjectCache) WatchObjects(ctx context.Context, kctx KubeContext, res Resource, sel Selector, onEvent ObjectEventHandler) (func(), error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	token := "watch-" + uuid.NewString()
	stopped := false

	handler := func(ev StreamEvent) {
		if ev.Err != nil {
			c.log.Error("stream watch error", "context", kctx.Name, "resource", res.key(), "error", ev.Err)
			c.deliver(onEvent, nil, ev.Err)
			return
		}

		raw, err := parseRaw(ev.Manifest)
		if err != nil {
			c.deliver(onEvent, nil, err)
			return
		}

		now := c.now()
		c.mu.Lock()
		if stopped {
			c.mu.Unlock()
			return
		}
		obj := c.mergeLocked(c.tableLocked(kctx.ClusterUID, res), kctx.ClusterUID, res, raw, now)
		if ev.Type == WatchEventDeleted {
			obj.markDeleted(now)
		}
		obj.hold(token)
		c.mu.Unlock()

		c.deliver(onEvent, obj, nil)
	}

	id, err := c.stream.Subscribe(MethodWatchObjects, NewWatchParams(kctx.Name, res, sel), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", res.key(), err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := c.stream.Cancel(id); err != nil {
				c.log.Warn("failed to cancel watch", "id", id, "error", err)
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			stopped = true
			for _, obj := range c.objects[resourceKey{kctx.ClusterUID, res.key()}] {
				if obj.release(token) == 0 {
					c.evictLocked(obj)
				}
			}
		})
	}

	return unsubscribe, nil
}

// UpdateObject writes manifest as the new state of obj and patches
// the cached object with the server's answer.
func (c *ObjectCache) UpdateObject(ctx context.Context, kctx KubeContext, obj *Object, manifest []byte) error {
	raw, err := ParseManifest(manifest)
	if err != nil {
		return err
	}
	if raw.GetName() != obj.name || raw.GetNamespace() != obj.namespace || raw.GetKind() != obj.gvk.Kind {
		return &ErrInvalidInput{Field: "manifest", Message: fmt.Sprintf("manifest does not describe %s", obj.ident)}
	}

	updated, err := c.repo.Update(ctx, kctx.Name, obj.resource, raw)
	if err != nil {
		return err
	}

	obj.patch(updated, c.now())
	return nil
}

// DeleteObject deletes obj through kctx, or, when kctx is nil,
// through each context of obj's cluster in turn until one succeeds.
// The deletion time is left to the watch that observes it.
func (c *ObjectCache) DeleteObject(ctx context.Context, kctx *KubeContext, obj *Object) error {
	var kctxs []KubeContext
	if kctx != nil {
		kctxs = []KubeContext{*kctx}
	} else {
		kctxs = c.ContextsOfCluster(obj.clusterUID)
	}
	if len(kctxs) == 0 {
		return &ErrContextNotFound{ClusterUID: obj.clusterUID}
	}

	var errs []error
	for _, k := range kctxs {
		if err := c.repo.Delete(ctx, k.Name, obj.resource, obj.namespace, obj.name); err != nil {
			errs = append(errs, err)
			continue
		}
		obj.touch(c.now())
		return nil
	}

	return &ErrDeleteFailed{Ident: obj.ident, Errs: errs}
}

// ---------------------------------------------------------------------------
// Refresh and garbage collection
// ---------------------------------------------------------------------------

// StartEvictionLoop runs the refresh/GC sweep every interval until ctx
// is done. Only one loop runs per cache; extra calls return at once.
func (c *ObjectCache) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	if !c.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer c.sweeping.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep recomputes freshness of every cached object and evicts those
// deleted long enough ago or no longer held by anyone. It returns the
// number of evicted objects.
func (c *ObjectCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, table := range c.objects {
		for _, obj := range table {
			obj.refresh(now)

			deletedAt, holders := obj.gcState()
			oldDeleted := !deletedAt.IsZero() && now.Sub(deletedAt) > deletedRetention
			if oldDeleted || holders == 0 {
				c.evictLocked(obj)
				evicted++
			}
		}
	}
	if evicted > 0 {
		c.log.Debug("evicted objects", "count", evicted)
	}
	return evicted
}

// Connect establishes the shared stream connection. It is memoized;
// concurrent callers wait for the same attempt.
func (c *ObjectCache) Connect(ctx context.Context) error {
	return c.connect(ctx)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *ObjectCache) connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	_, err, _ := c.flights.Do("connect", func() (any, error) {
		if c.connected.Load() {
			return nil, nil
		}
		// A single caller's cancellation must not fail every watcher
		// waiting on the shared connection.
		if err := c.stream.Connect(context.WithoutCancel(ctx)); err != nil {
			return nil, fmt.Errorf("connect stream: %w", err)
		}
		c.connected.Store(true)
		c.log.Debug("stream connected")
		return nil, nil
	})
	return err
}

func (c *ObjectCache) tableLocked(clusterUID string, res Resource) map[ObjectIdent]*Object {
	key := resourceKey{clusterUID, res.key()}
	table, ok := c.objects[key]
	if !ok {
		table = map[ObjectIdent]*Object{}
		c.objects[key] = table
	}
	return table
}

// mergeLocked patches the cached object with raw's identity, or bakes
// and inserts a new one.
func (c *ObjectCache) mergeLocked(table map[ObjectIdent]*Object, clusterUID string, res Resource, raw *unstructured.Unstructured, now time.Time) *Object {
	ident := NewObjectIdent(clusterUID, res, raw.GetNamespace(), raw.GetName())
	if obj, ok := table[ident]; ok {
		obj.patch(raw, now)
		return obj
	}
	obj := newObject(clusterUID, res, raw, now)
	table[ident] = obj
	return obj
}

// evictLocked removes obj from its table and marks it evicted. An
// object no longer in the table (lost or replaced) is left alone.
func (c *ObjectCache) evictLocked(obj *Object) {
	table := c.objects[resourceKey{obj.clusterUID, obj.resource.key()}]
	if cur, ok := table[obj.ident]; ok && cur == obj {
		obj.markEvicted()
		delete(table, obj.ident)
	}
}

func (c *ObjectCache) deliver(onEvent ObjectEventHandler, obj *Object, err error) {
	if onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("watch callback failed", "panic", r)
		}
	}()
	onEvent(obj, err)
}

// sortObjects orders objects by name, then by identity.
func sortObjects(objs []*Object) []*Object {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].name != objs[j].name {
			return objs[i].name < objs[j].name
		}
		return objs[i].ident < objs[j].ident
	})
	return objs
}
