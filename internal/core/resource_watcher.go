package core

import (
	"context"
	"log/slog"
	"sync"
)

// ObjectWatcher is a live subscription exposing its current objects.
type ObjectWatcher interface {
	// Watch performs the initial load and starts following pushes.
	Watch(ctx context.Context) error
	// Objects returns the live objects ordered by name.
	Objects() []*Object
	// AddEventListener registers fn to run after every change and
	// returns a func that unregisters it.
	AddEventListener(fn func()) func()
	// Destroy releases everything the watcher acquired.
	Destroy()
}

// ResourceWatcher follows every object of one resource matching a
// selector.
type ResourceWatcher struct {
	cache   *ObjectCache
	kctx    KubeContext
	res     Resource
	sel     Selector
	cleaner *Cleaner
	log     *slog.Logger

	listeners listenerSet

	mu      sync.RWMutex
	objects map[ObjectIdent]*Object
}

var _ ObjectWatcher = (*ResourceWatcher)(nil)

// NewResourceWatcher returns an idle watcher; call Watch to start it.
func NewResourceWatcher(cache *ObjectCache, kctx KubeContext, res Resource, sel Selector) *ResourceWatcher {
	return &ResourceWatcher{
		cache:   cache,
		kctx:    kctx,
		res:     res,
		sel:     sel,
		cleaner: NewCleaner(),
		log:     slog.Default().With("component", "resource-watcher", "context", kctx.Name, "resource", res.key()),
		objects: map[ObjectIdent]*Object{},
	}
}

func (w *ResourceWatcher) Watch(ctx context.Context) error {
	objs, release, err := w.cache.FetchObjects(ctx, w.kctx, w.res, w.sel)
	if err != nil {
		return err
	}
	if !w.cleaner.Add(release) {
		return nil
	}

	w.mu.Lock()
	for ident, obj := range objs {
		w.objects[ident] = obj
	}
	w.mu.Unlock()

	unwatch, err := w.cache.WatchObjects(ctx, w.kctx, w.res, w.sel, w.onEvent)
	if err != nil {
		return err
	}
	w.cleaner.Add(unwatch)
	return nil
}

func (w *ResourceWatcher) onEvent(obj *Object, err error) {
	if err != nil {
		w.log.Error("watch event failed", "error", err)
		return
	}

	w.mu.Lock()
	w.objects[obj.ident] = obj
	w.mu.Unlock()

	w.listeners.notify()
}

func (w *ResourceWatcher) Objects() []*Object {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*Object, 0, len(w.objects))
	for _, obj := range w.objects {
		if !obj.Evicted() {
			out = append(out, obj)
		}
	}
	return sortObjects(out)
}

func (w *ResourceWatcher) AddEventListener(fn func()) func() {
	return w.listeners.add(fn)
}

func (w *ResourceWatcher) Destroy() {
	w.cleaner.CleanUp()
}
