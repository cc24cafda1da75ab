package core

import (
	"log/slog"
	"sync"
)

// Cleaner is a scoped release list: cleanups run once, last added
// first.
type Cleaner struct {
	mu       sync.Mutex
	cleanups []func()
	done     bool
	log      *slog.Logger
}

// NewCleaner returns an empty Cleaner.
func NewCleaner() *Cleaner {
	return &Cleaner{log: slog.Default().With("component", "cleaner")}
}

// Add registers fn. If the cleaner already ran, fn runs immediately
// and Add returns false so the caller can stop acquiring resources.
func (c *Cleaner) Add(fn func()) bool {
	c.mu.Lock()
	if !c.done {
		c.cleanups = append(c.cleanups, fn)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	c.run(fn)
	return false
}

// Done reports whether CleanUp has run.
func (c *Cleaner) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// CleanUp runs every registered cleanup in reverse order. A panicking
// cleanup is logged and does not stop the rest. Later calls are
// no-ops.
func (c *Cleaner) CleanUp() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		c.run(cleanups[i])
	}
}

func (c *Cleaner) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("cleanup failed", "panic", r)
		}
	}()
	fn()
}
