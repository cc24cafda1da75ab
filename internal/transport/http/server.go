// Package http serves the explorer API and the stream relay over
// HTTP/1.1 and cleartext HTTP/2 on one listener.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	connectcors "connectrpc.com/cors"
	"github.com/rs/cors"
)

const (
	defaultAddress    = ":8299"
	readHeaderTimeout = 5 * time.Second
	maxHeaderBytes    = 8 << 10
	corsMaxAge        = 2 * time.Hour
)

// MountFunc registers routes. It runs once, before the listener opens.
type MountFunc func(mux *http.ServeMux) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server implements transport.Listener.
type Server struct {
	address        string
	listener       net.Listener
	mount          MountFunc
	allowedOrigins []string
	log            *slog.Logger

	inner *http.Server
}

// WithAddress sets the listen address. Ignored when WithListener is
// given.
func WithAddress(address string) ServerOption {
	return func(s *Server) { s.address = address }
}

// WithListener serves on ln instead of opening a TCP listener.
func WithListener(ln net.Listener) ServerOption {
	return func(s *Server) { s.listener = ln }
}

// WithMount sets the route registration function.
func WithMount(mount MountFunc) ServerOption {
	return func(s *Server) { s.mount = mount }
}

// WithAllowedOrigins restricts CORS to origins. Empty allows all.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithHTTPLogger overrides the server logger.
func WithHTTPLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer mounts the routes and opens the listener. Routes are
// mounted first so a mount failure never leaves a bound port behind.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{address: defaultAddress}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "http-server")
	}

	mux := http.NewServeMux()
	if s.mount != nil {
		if err := s.mount(mux); err != nil {
			return nil, fmt.Errorf("mount routes: %w", err)
		}
	}

	if s.listener == nil {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("http listen %q: %w", s.address, err)
		}
		s.listener = ln
	}

	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	// Graph watches and relayed streams stay open for as long as the
	// client is connected, so there is no read or write deadline past
	// the headers.
	s.inner = &http.Server{
		Handler:           s.withCORS(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		Protocols:         &protocols,
	}
	return s, nil
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Addr returns the bound address, which differs from the configured
// one when the port was ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop is called. Request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context { return ctx }

	s.log.Info("listening", "address", s.Addr().String(), "allowed_origins", s.allowedOrigins)

	err := s.inner.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http serve: %w", err)
}

// Stop drains in-flight requests until ctx expires, then closes every
// remaining connection.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down")
	err := s.inner.Shutdown(ctx)
	if err == nil {
		return nil
	}
	s.log.Error("graceful shutdown failed, forcing close", "error", err)
	return s.inner.Close()
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return cors.AllowAll().Handler(next)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   connectcors.AllowedMethods(),
		AllowedHeaders:   connectcors.AllowedHeaders(),
		ExposedHeaders:   connectcors.ExposedHeaders(),
		AllowCredentials: true,
		MaxAge:           int(corsMaxAge.Seconds()),
	}).Handler(next)
}
