package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// bindingProviderPrefix tags the graph store entries a binding
// publishes.
const bindingProviderPrefix = "watch-binding-"

// watchBinding is the live subscription shared by every watch with
// the same binding id.
type watchBinding struct {
	id      string
	kctx    KubeContext
	watcher ObjectWatcher
	graph   *GraphStore
	stop    func()

	mu      sync.Mutex
	watches map[string]Watch
}

func newWatchBinding(id string, kctx KubeContext, watcher ObjectWatcher, graph *GraphStore) *watchBinding {
	b := &watchBinding{
		id:      id,
		kctx:    kctx,
		watcher: watcher,
		graph:   graph,
		watches: map[string]Watch{},
	}
	b.stop = watcher.AddEventListener(b.publish)
	return b
}

func (b *watchBinding) provider() string {
	return bindingProviderPrefix + b.id
}

func (b *watchBinding) addWatch(w Watch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watches[w.ID] = w
}

func (b *watchBinding) removeWatch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watches, id)
}

func (b *watchBinding) isEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watches) == 0
}

// objects returns the watcher's objects matched by at least one watch
// of the binding, or by the watch watchID alone when it is not empty.
func (b *watchBinding) objects(watchID string) []*Object {
	b.mu.Lock()
	watches := make([]Watch, 0, len(b.watches))
	for id, w := range b.watches {
		if watchID == "" || id == watchID {
			watches = append(watches, w)
		}
	}
	b.mu.Unlock()

	matched := map[ObjectIdent]*Object{}
	for _, obj := range b.watcher.Objects() {
		for _, w := range watches {
			if w.Matches(obj) {
				matched[obj.ident] = obj
				break
			}
		}
	}

	out := make([]*Object, 0, len(matched))
	for _, obj := range matched {
		out = append(out, obj)
	}
	return sortObjects(out)
}

func (b *watchBinding) publish() {
	b.graph.ReplaceObjects(b.provider(), b.objects(""))
}

func (b *watchBinding) destroy() {
	b.stop()
	b.watcher.Destroy()
	b.graph.RemoveAllObjects(b.provider())
}

// WatchUseCase multiplexes persisted watches onto shared bindings and
// publishes what they see to the graph store.
type WatchUseCase struct {
	cache     *ObjectCache
	graph     *GraphStore
	relations *RelationTable
	repo      WatchRepo
	now       func() time.Time
	log       *slog.Logger

	// ops serializes add, remove and load so a binding is created at
	// most once per id.
	ops sync.Mutex

	mu       sync.RWMutex
	watches  map[string]Watch
	bindings map[string]*watchBinding
}

func NewWatchUseCase(cache *ObjectCache, graph *GraphStore, relations *RelationTable, repo WatchRepo) *WatchUseCase {
	return &WatchUseCase{
		cache:     cache,
		graph:     graph,
		relations: relations,
		repo:      repo,
		now:       time.Now,
		log:       slog.Default().With("component", "watch-usecase"),
		watches:   map[string]Watch{},
		bindings:  map[string]*watchBinding{},
	}
}

func (uc *WatchUseCase) AddObjectWatch(ctx context.Context, kctx KubeContext, obj ObjectDescriptor) (Watch, error) {
	return uc.addWatch(ctx, kctx, NewObjectWatch(kctx, obj, uc.now()), false)
}

func (uc *WatchUseCase) AddResourceWatch(ctx context.Context, kctx KubeContext, res Resource, sel *Selector) (Watch, error) {
	return uc.addWatch(ctx, kctx, NewResourceWatch(kctx, res, sel, uc.now()), false)
}

func (uc *WatchUseCase) AddRelatedWatch(ctx context.Context, kctx KubeContext, target ObjectDescriptor, preset string) (Watch, error) {
	return uc.addWatch(ctx, kctx, NewRelatedWatch(kctx, target, preset, uc.now()), false)
}

func (uc *WatchUseCase) AddRelatedObjectWatch(ctx context.Context, kctx KubeContext, target, obj ObjectDescriptor) (Watch, error) {
	return uc.addWatch(ctx, kctx, NewRelatedObjectWatch(kctx, target, obj, uc.now()), false)
}

func (uc *WatchUseCase) AddRelatedResourceWatch(ctx context.Context, kctx KubeContext, target ObjectDescriptor, res Resource) (Watch, error) {
	return uc.addWatch(ctx, kctx, NewRelatedResourceWatch(kctx, target, res, uc.now()), false)
}

// AddWatch registers a watch described by w. Its id and binding id are
// derived from its content; a zero CreatedAt is set to now.
func (uc *WatchUseCase) AddWatch(ctx context.Context, w Watch) (Watch, error) {
	kctx, err := uc.cache.Context(w.Context)
	if err != nil {
		return Watch{}, err
	}
	w, err = uc.normalize(kctx, w)
	if err != nil {
		return Watch{}, err
	}
	return uc.addWatch(ctx, kctx, w, false)
}

func (uc *WatchUseCase) GetObjectWatch(kctx KubeContext, obj ObjectDescriptor) (Watch, bool) {
	return uc.Watch(objectWatchID(kctx, obj))
}

func (uc *WatchUseCase) GetResourceWatch(kctx KubeContext, res Resource) (Watch, bool) {
	return uc.Watch(resourceWatchID(kctx, res))
}

func (uc *WatchUseCase) GetRelatedWatch(kctx KubeContext, target ObjectDescriptor, preset string) (Watch, bool) {
	return uc.Watch(relatedWatchID(kctx, target, preset))
}

func (uc *WatchUseCase) GetRelatedObjectWatch(kctx KubeContext, target, obj ObjectDescriptor) (Watch, bool) {
	return uc.Watch(relatedObjectWatchID(kctx, target, obj))
}

func (uc *WatchUseCase) GetRelatedResourceWatch(kctx KubeContext, target ObjectDescriptor, res Resource) (Watch, bool) {
	return uc.Watch(relatedResourceWatchID(kctx, target, res))
}

// Watch looks up a registered watch by id.
func (uc *WatchUseCase) Watch(id string) (Watch, bool) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	w, ok := uc.watches[id]
	return w, ok
}

// Watches returns the registered watches, newest first.
func (uc *WatchUseCase) Watches() []Watch {
	uc.mu.RLock()
	out := make([]Watch, 0, len(uc.watches))
	for _, w := range uc.watches {
		out = append(out, w)
	}
	uc.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Contexts returns the names of the contexts having at least one
// watch.
func (uc *WatchUseCase) Contexts() []string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	seen := map[string]struct{}{}
	out := []string{}
	for _, w := range uc.watches {
		if _, ok := seen[w.Context]; ok {
			continue
		}
		seen[w.Context] = struct{}{}
		out = append(out, w.Context)
	}
	sort.Strings(out)
	return out
}

func (uc *WatchUseCase) IsEmpty() bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.watches) == 0
}

// Len returns the number of watches and of live bindings.
func (uc *WatchUseCase) Len() (watches, bindings int) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.watches), len(uc.bindings)
}

// Objects returns the objects of res that the bindings of kctx
// currently expose.
func (uc *WatchUseCase) Objects(kctx KubeContext, res Resource) []*Object {
	uc.mu.RLock()
	bindings := make([]*watchBinding, 0, len(uc.bindings))
	for _, b := range uc.bindings {
		if b.kctx.Name == kctx.Name {
			bindings = append(bindings, b)
		}
	}
	uc.mu.RUnlock()

	seen := map[ObjectIdent]*Object{}
	for _, b := range bindings {
		for _, obj := range b.objects("") {
			if obj.resource.GroupVersion == res.GroupVersion && obj.resource.Kind == res.Kind {
				seen[obj.ident] = obj
			}
		}
	}

	out := make([]*Object, 0, len(seen))
	for _, obj := range seen {
		out = append(out, obj)
	}
	return sortObjects(out)
}

// RemoveWatch detaches the watch from its binding and forgets it. The
// binding is destroyed with its last watch.
func (uc *WatchUseCase) RemoveWatch(ctx context.Context, id string) error {
	uc.ops.Lock()
	defer uc.ops.Unlock()

	uc.mu.Lock()
	w, ok := uc.watches[id]
	if !ok {
		uc.mu.Unlock()
		uc.log.Warn("watch not found", "watch_id", id)
		return &ErrWatchNotFound{ID: id}
	}
	delete(uc.watches, id)

	b, hasBinding := uc.bindings[w.BindingID]
	destroy := false
	if hasBinding {
		b.removeWatch(id)
		if b.isEmpty() {
			delete(uc.bindings, w.BindingID)
			destroy = true
		}
	}
	uc.mu.Unlock()

	switch {
	case !hasBinding:
		uc.log.Warn("watch binding not found", "watch_id", id, "binding_id", w.BindingID)
	case destroy:
		b.destroy()
	default:
		b.publish()
	}

	if err := uc.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete watch %s: %w", id, err)
	}
	return nil
}

// HighlightWatch highlights the objects the watch contributes.
func (uc *WatchUseCase) HighlightWatch(id string) error {
	uc.mu.RLock()
	w, ok := uc.watches[id]
	var b *watchBinding
	if ok {
		b = uc.bindings[w.BindingID]
	}
	uc.mu.RUnlock()

	if b == nil {
		uc.log.Warn("watch binding not found", "watch_id", id)
		return &ErrWatchNotFound{ID: id}
	}

	uc.graph.HighlightObjects(b.objects(id))
	return nil
}

func (uc *WatchUseCase) UnhighlightWatch() {
	uc.graph.HighlightObjects(nil)
}

// Load replays the persisted watches in creation order. Watches of a
// missing context stay persisted but inactive. A watch that fails to
// start is logged and skipped.
func (uc *WatchUseCase) Load(ctx context.Context, contexts []KubeContext) error {
	stored, err := uc.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list watches: %w", err)
	}

	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt.Before(stored[j].CreatedAt)
	})

	for _, w := range stored {
		kctx, ok := findContext(contexts, w.Context)
		if !ok {
			uc.log.Warn("context not found", "watch_id", w.ID, "context", w.Context)
			continue
		}
		nw, err := uc.normalize(kctx, w)
		if err != nil {
			uc.log.Warn("invalid persisted watch", "watch_id", w.ID, "error", err)
			continue
		}
		if _, err := uc.addWatch(ctx, kctx, nw, true); err != nil {
			uc.log.Error("failed to restore watch", "watch_id", w.ID, "error", err)
		}
	}
	return nil
}

// Close destroys every binding. Registered watches stay persisted.
func (uc *WatchUseCase) Close() {
	uc.ops.Lock()
	defer uc.ops.Unlock()

	uc.mu.Lock()
	bindings := uc.bindings
	uc.bindings = map[string]*watchBinding{}
	uc.watches = map[string]Watch{}
	uc.mu.Unlock()

	for _, b := range bindings {
		b.destroy()
	}
}

// addWatch registers w, creating and warming up its binding when
// needed. Replayed watches are already persisted and stay so when
// their warm-up fails.
func (uc *WatchUseCase) addWatch(ctx context.Context, kctx KubeContext, w Watch, replay bool) (Watch, error) {
	uc.ops.Lock()
	defer uc.ops.Unlock()

	uc.mu.RLock()
	existing, dup := uc.watches[w.ID]
	b := uc.bindings[w.BindingID]
	uc.mu.RUnlock()

	if dup {
		uc.log.Warn("watch already exists", "watch_id", w.ID)
		return existing, nil
	}

	if !replay {
		if err := uc.repo.Save(ctx, w); err != nil {
			return Watch{}, fmt.Errorf("save watch %s: %w", w.ID, err)
		}
	}

	if b == nil {
		b = newWatchBinding(w.BindingID, kctx, uc.newWatcher(kctx, w), uc.graph)
		if err := b.watcher.Watch(ctx); err != nil {
			b.destroy()
			if !replay {
				if derr := uc.repo.Delete(ctx, w.ID); derr != nil {
					uc.log.Warn("failed to forget watch", "watch_id", w.ID, "error", derr)
				}
			}
			return Watch{}, fmt.Errorf("warm up watch %s: %w", w.ID, err)
		}
		uc.mu.Lock()
		uc.bindings[w.BindingID] = b
		uc.mu.Unlock()
	}

	uc.mu.Lock()
	uc.watches[w.ID] = w
	uc.mu.Unlock()

	b.addWatch(w)
	b.publish()

	uc.log.Debug("watch added", "watch_id", w.ID, "binding_id", w.BindingID)
	return w, nil
}

func (uc *WatchUseCase) newWatcher(kctx KubeContext, w Watch) ObjectWatcher {
	switch w.Kind {
	case WatchKindObject:
		sel := Selector{Namespace: w.Object.Namespace, Name: w.Object.Name}
		return NewResourceWatcher(uc.cache, kctx, w.Object.Resource, sel)
	case WatchKindResource:
		var sel Selector
		if w.Selector != nil {
			sel = *w.Selector
		}
		return NewResourceWatcher(uc.cache, kctx, *w.Resource, sel)
	default:
		return NewRelatedWatcher(uc.cache, uc.relations, kctx, *w.Target)
	}
}

// normalize rebuilds w's ids from its content, keeping its creation
// time when set.
func (uc *WatchUseCase) normalize(kctx KubeContext, w Watch) (Watch, error) {
	if err := w.Validate(); err != nil {
		return Watch{}, err
	}

	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = uc.now()
	}

	switch w.Kind {
	case WatchKindObject:
		return NewObjectWatch(kctx, *w.Object, createdAt), nil
	case WatchKindResource:
		return NewResourceWatch(kctx, *w.Resource, w.Selector, createdAt), nil
	case WatchKindRelated:
		return NewRelatedWatch(kctx, *w.Target, w.Preset, createdAt), nil
	case WatchKindRelatedObject:
		return NewRelatedObjectWatch(kctx, *w.Target, *w.Object, createdAt), nil
	default:
		return NewRelatedResourceWatch(kctx, *w.Target, *w.Resource, createdAt), nil
	}
}

func findContext(contexts []KubeContext, name string) (KubeContext, bool) {
	for _, kctx := range contexts {
		if kctx.Name == name {
			return kctx, true
		}
	}
	return KubeContext{}, false
}
