package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultGraphGCInterval is the period of the graph store's sweep.
const DefaultGraphGCInterval = 10000 * time.Millisecond

type graphEntry struct {
	object    *Object
	providers map[string]struct{}
}

// GraphStore is the set of objects currently on display, each tagged
// with the providers (watch bindings) that contributed it.
type GraphStore struct {
	log       *slog.Logger
	listeners listenerSet

	mu          sync.RWMutex
	objects     map[ObjectIdent]*graphEntry
	highlighted []*Object
	sweeping    bool
}

// NewGraphStore returns an empty GraphStore.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		log:     slog.Default().With("component", "graph-store"),
		objects: map[ObjectIdent]*graphEntry{},
	}
}

// Objects returns the live objects with at least one provider,
// ordered by name.
func (s *GraphStore) Objects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Object, 0, len(s.objects))
	for _, entry := range s.objects {
		if len(entry.providers) > 0 && !entry.object.Evicted() {
			out = append(out, entry.object)
		}
	}
	return sortObjects(out)
}

// Highlighted returns the highlighted objects.
func (s *GraphStore) Highlighted() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Object(nil), s.highlighted...)
}

// IsEmpty reports whether the store holds no entry at all.
func (s *GraphStore) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects) == 0
}

// UpsertObject adds obj on behalf of provider.
func (s *GraphStore) UpsertObject(provider string, obj *Object) {
	s.mu.Lock()
	s.upsertLocked(provider, obj)
	s.mu.Unlock()

	s.listeners.notify()
}

// RemoveObject withdraws provider's claim on obj. The entry goes away
// with its last provider.
func (s *GraphStore) RemoveObject(provider string, obj *Object) {
	s.mu.Lock()
	changed := s.removeLocked(provider, obj.ident)
	s.mu.Unlock()

	if changed {
		s.listeners.notify()
	}
}

// RemoveAllObjects withdraws every claim of provider.
func (s *GraphStore) RemoveAllObjects(provider string) {
	s.mu.Lock()
	changed := s.removeAllLocked(provider)
	s.mu.Unlock()

	if changed {
		s.listeners.notify()
	}
}

// ReplaceObjects atomically replaces provider's objects with objs and
// notifies once.
func (s *GraphStore) ReplaceObjects(provider string, objs []*Object) {
	s.mu.Lock()
	s.removeAllLocked(provider)
	for _, obj := range objs {
		s.upsertLocked(provider, obj)
	}
	s.mu.Unlock()

	s.listeners.notify()
}

// HighlightObjects replaces the highlighted set.
func (s *GraphStore) HighlightObjects(objs []*Object) {
	s.mu.Lock()
	s.highlighted = append([]*Object(nil), objs...)
	s.mu.Unlock()

	s.listeners.notify()
}

// AddEventListener registers fn to run after every change and returns
// a func that unregisters it.
func (s *GraphStore) AddEventListener(fn func()) func() {
	return s.listeners.add(fn)
}

// Len returns the number of entries, live or not.
func (s *GraphStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// StartEvictionLoop runs the sweep every interval until ctx is done.
// Only one loop runs per store; extra calls return at once.
func (s *GraphStore) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops entries without providers or whose object was evicted,
// and returns how many were dropped.
func (s *GraphStore) Sweep() int {
	s.mu.Lock()
	removed := 0
	for ident, entry := range s.objects {
		if len(entry.providers) == 0 || entry.object.Evicted() {
			delete(s.objects, ident)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Debug("removed graph objects", "count", removed)
		s.listeners.notify()
	}
	return removed
}

func (s *GraphStore) upsertLocked(provider string, obj *Object) {
	entry, ok := s.objects[obj.ident]
	if !ok {
		entry = &graphEntry{object: obj, providers: map[string]struct{}{}}
		s.objects[obj.ident] = entry
	}
	entry.object = obj
	entry.providers[provider] = struct{}{}
}

func (s *GraphStore) removeLocked(provider string, ident ObjectIdent) bool {
	entry, ok := s.objects[ident]
	if !ok {
		return false
	}
	if _, ok := entry.providers[provider]; !ok {
		return false
	}
	delete(entry.providers, provider)
	if len(entry.providers) == 0 {
		delete(s.objects, ident)
	}
	return true
}

func (s *GraphStore) removeAllLocked(provider string) bool {
	changed := false
	for ident := range s.objects {
		if s.removeLocked(provider, ident) {
			changed = true
		}
	}
	return changed
}
