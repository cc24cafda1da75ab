// Package transport coordinates the lifecycle of multiple server
// components (the HTTP server and the background loops) using an
// errgroup.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout is the maximum time allowed for graceful shutdown
// of each listener after the context is cancelled.
const shutdownTimeout = 15 * time.Second

// Listener defines a component that can be started and stopped as
// part of the server lifecycle. Start should block until the
// component finishes or ctx is cancelled. Stop performs graceful
// shutdown within the provided context deadline.
type Listener interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// Serve runs all listeners concurrently and coordinates graceful
// shutdown. When ctx is cancelled or any listener returns an error,
// all listeners are started first, then a single goroutine waits for
// the derived context to be done and calls Stop on every listener.
// This avoids calling Stop before Start has had a chance to run.
func Serve(ctx context.Context, lis ...Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, li := range lis {
		eg.Go(func() error {
			return li.Start(egCtx)
		})
	}

	// A single goroutine waits for the derived context to be
	// cancelled (either parent ctx or a listener failure), then
	// stops all listeners sequentially. Each listener gets its own
	// timeout so that a slow listener cannot starve subsequent ones.
	eg.Go(func() error {
		<-egCtx.Done()

		var errs []error
		for _, li := range lis {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := li.Stop(stopCtx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		return errors.Join(errs...)
	})

	return eg.Wait()
}

// LoopFunc repeats some work every interval until ctx is done.
type LoopFunc func(ctx context.Context, interval time.Duration)

type loopListener struct {
	name     string
	interval time.Duration
	loop     LoopFunc
}

// NewLoopListener adapts a periodic loop to the Listener interface so
// it shares the server's lifecycle. The loop ends with the context
// given to Start; Stop has nothing to do.
func NewLoopListener(name string, interval time.Duration, loop LoopFunc) Listener {
	return &loopListener{name: name, interval: interval, loop: loop}
}

func (l *loopListener) Start(ctx context.Context) error {
	slog.Default().Debug("starting loop", "loop", l.name, "interval", l.interval)
	l.loop(ctx, l.interval)
	return nil
}

func (l *loopListener) Stop(_ context.Context) error {
	return nil
}
