package core

import (
	"log/slog"
	"sync"
)

// listenerSet is a registry of change callbacks. Callbacks run outside
// the registry lock; a panicking callback is logged and skipped.
type listenerSet struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

// add registers fn and returns a func that unregisters it.
func (l *listenerSet) add(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = map[int]func(){}
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listenerSet) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(fn)
	}
}

func (l *listenerSet) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Warn("listener failed", "panic", r)
		}
	}()
	fn()
}

func (l *listenerSet) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
