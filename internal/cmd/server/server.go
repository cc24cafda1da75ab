// Package server implements the explorer runtime: the HTTP server
// serving the connect API and the stream relay, plus the cache and
// graph maintenance loops.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/otterscale/kube-explorer/internal/core"
	"github.com/otterscale/kube-explorer/internal/transport"
	"github.com/otterscale/kube-explorer/internal/transport/http"
)

// Config holds the runtime parameters for a Server.
type Config struct {
	Address        string
	AllowedOrigins []string
}

// Server binds the HTTP server and the background loops, running them
// in parallel via transport.Serve.
type Server struct {
	handler    *Handler
	background BackgroundListeners
	cache      *core.ObjectCache
	watches    *core.WatchUseCase
}

// NewServer returns a Server wired to the given handler, loops and
// use-cases.
func NewServer(handler *Handler, background BackgroundListeners, cache *core.ObjectCache, watches *core.WatchUseCase) *Server {
	return &Server{
		handler:    handler,
		background: background,
		cache:      cache,
		watches:    watches,
	}
}

// Run loads the kube contexts, replays the persisted watches and then
// serves until ctx is cancelled or an unrecoverable error occurs.
// Watch bindings are torn down on return.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	kctxs, err := s.cache.FetchContexts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load kube contexts: %w", err)
	}
	slog.Info("kube contexts loaded", "count", len(kctxs))

	if err := s.watches.Load(ctx, kctxs); err != nil {
		return fmt.Errorf("failed to load watches: %w", err)
	}
	defer s.watches.Close()

	watches, bindings := s.watches.Len()
	slog.Info("watches loaded", "watches", watches, "bindings", bindings)

	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithMount(s.handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	listeners := append([]transport.Listener{httpSrv}, s.background...)
	return transport.Serve(ctx, listeners...)
}
