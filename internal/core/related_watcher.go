package core

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RelatedWatcher follows one target object and the closure of
// everything related to it. The closure is recomputed in full on
// every push once the initial loads are done.
type RelatedWatcher struct {
	cache     *ObjectCache
	relations *RelationTable
	kctx      KubeContext
	target    ObjectDescriptor
	cleaner   *Cleaner
	log       *slog.Logger

	listeners listenerSet

	mu          sync.RWMutex
	targetObj   *Object
	universe    ObjectsByKind
	related     ObjectsByKind
	initialized bool
}

var _ ObjectWatcher = (*RelatedWatcher)(nil)

// NewRelatedWatcher returns an idle watcher of target; call Watch to
// start it.
func NewRelatedWatcher(cache *ObjectCache, relations *RelationTable, kctx KubeContext, target ObjectDescriptor) *RelatedWatcher {
	return &RelatedWatcher{
		cache:     cache,
		relations: relations,
		kctx:      kctx,
		target:    target,
		cleaner:   NewCleaner(),
		log:       slog.Default().With("component", "related-watcher", "context", kctx.Name, "target", target.Ident),
		universe:  ObjectsByKind{},
		related:   ObjectsByKind{},
	}
}

// Watch loads the target, then every resource it may relate to. When
// the target does not exist the watcher stays empty for good.
func (w *RelatedWatcher) Watch(ctx context.Context) error {
	sel := Selector{Namespace: w.target.Namespace, Name: w.target.Name}

	objs, release, err := w.cache.FetchObjects(ctx, w.kctx, w.target.Resource, sel)
	if err != nil {
		return err
	}
	if !w.cleaner.Add(release) {
		return nil
	}

	var target *Object
	for _, obj := range objs {
		if obj.IsSame(w.target) {
			target = obj
			break
		}
	}
	if target == nil {
		w.log.Debug("target not found")
		return nil
	}

	w.mu.Lock()
	w.targetObj = target
	w.mu.Unlock()

	unwatch, err := w.cache.WatchObjects(ctx, w.kctx, w.target.Resource, sel, w.onTargetEvent)
	if err != nil {
		return err
	}
	if !w.cleaner.Add(unwatch) {
		return nil
	}

	groups, err := w.cache.FetchResources(ctx, w.kctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, group := range groups {
		if !w.relations.IsRelatedResourceGroup(target, group) {
			continue
		}
		for _, res := range group.Resources {
			if !w.relations.IsRelatedResource(target, res) {
				continue
			}
			eg.Go(func() error {
				return w.load(egCtx, res)
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	w.initialized = true
	w.recomputeLocked()
	w.mu.Unlock()

	return nil
}

// load fetches and watches every object of res into the universe.
func (w *RelatedWatcher) load(ctx context.Context, res Resource) error {
	gvk := res.GroupVersionKind()

	objs, release, err := w.cache.FetchObjects(ctx, w.kctx, res, Selector{})
	if err != nil {
		return err
	}
	if !w.cleaner.Add(release) {
		return nil
	}

	w.mu.Lock()
	for _, obj := range objs {
		w.universe.add(gvk, obj)
	}
	w.mu.Unlock()

	unwatch, err := w.cache.WatchObjects(ctx, w.kctx, res, Selector{}, func(obj *Object, err error) {
		if err != nil {
			w.log.Error("watch event failed", "resource", res.key(), "error", err)
			return
		}

		w.mu.Lock()
		w.universe.add(gvk, obj)
		ready := w.initialized
		if ready {
			w.recomputeLocked()
		}
		w.mu.Unlock()

		if ready {
			w.listeners.notify()
		}
	})
	if err != nil {
		return err
	}
	w.cleaner.Add(unwatch)
	return nil
}

func (w *RelatedWatcher) onTargetEvent(obj *Object, err error) {
	if err != nil {
		w.log.Error("target watch event failed", "error", err)
		return
	}

	w.mu.Lock()
	if obj.Evicted() {
		w.targetObj = nil
	} else {
		w.targetObj = obj
	}
	ready := w.initialized
	if ready {
		w.recomputeLocked()
	}
	w.mu.Unlock()

	if ready {
		w.listeners.notify()
	}
}

func (w *RelatedWatcher) recomputeLocked() {
	if w.targetObj == nil {
		w.related = ObjectsByKind{}
		return
	}
	w.related = w.relations.RelatedObjects(w.universe, w.targetObj)
}

// Target returns the target object, or nil when it is unknown.
func (w *RelatedWatcher) Target() *Object {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.targetObj
}

// Initialized reports whether every related resource finished its
// initial load.
func (w *RelatedWatcher) Initialized() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.initialized
}

// Related returns the last computed closure.
func (w *RelatedWatcher) Related() ObjectsByKind {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.related
}

// Objects returns the target followed by the live related objects,
// ordered by name.
func (w *RelatedWatcher) Objects() []*Object {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.targetObj == nil {
		return nil
	}
	out := []*Object{w.targetObj}
	for _, objs := range w.related {
		for _, obj := range objs {
			if !obj.Evicted() {
				out = append(out, obj)
			}
		}
	}
	return sortObjects(out)
}

func (w *RelatedWatcher) AddEventListener(fn func()) func() {
	return w.listeners.add(fn)
}

func (w *RelatedWatcher) Destroy() {
	w.cleaner.CleanUp()
}
