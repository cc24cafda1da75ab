package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeListener struct {
	startErr error
	stops    atomic.Int32
}

func (l *fakeListener) Start(ctx context.Context) error {
	if l.startErr != nil {
		return l.startErr
	}
	<-ctx.Done()
	return nil
}

func (l *fakeListener) Stop(_ context.Context) error {
	l.stops.Add(1)
	return nil
}

func TestServeStopsAllOnCancel(t *testing.T) {
	a, b := &fakeListener{}, &fakeListener{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, a, b) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if a.stops.Load() != 1 || b.stops.Load() != 1 {
		t.Errorf("stops = %d, %d, want 1, 1", a.stops.Load(), b.stops.Load())
	}
}

func TestServeStopsAllOnFailure(t *testing.T) {
	boom := errors.New("boom")
	failing, healthy := &fakeListener{startErr: boom}, &fakeListener{}

	err := Serve(context.Background(), failing, healthy)
	if !errors.Is(err, boom) {
		t.Fatalf("Serve() = %v, want %v", err, boom)
	}
	if healthy.stops.Load() != 1 {
		t.Errorf("healthy listener stopped %d times, want 1", healthy.stops.Load())
	}
}

func TestLoopListener(t *testing.T) {
	var got time.Duration
	li := NewLoopListener("test", time.Second, func(ctx context.Context, interval time.Duration) {
		got = interval
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Serve(ctx, li); err != nil {
		t.Fatalf("Serve() = %v", err)
	}
	if got != time.Second {
		t.Errorf("loop ran with interval %v, want 1s", got)
	}
}
