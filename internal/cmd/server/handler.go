package server

import (
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"connectrpc.com/otelconnect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otterscale/kube-explorer/internal/app"
	"github.com/otterscale/kube-explorer/internal/core"
)

type Handler struct {
	explorer *app.ExplorerService
	relay    *app.StreamRelay
	cache    *core.ObjectCache
	watches  *core.WatchUseCase
	graph    *core.GraphStore
}

func NewHandler(explorer *app.ExplorerService, relay *app.StreamRelay, cache *core.ObjectCache, watches *core.WatchUseCase, graph *core.GraphStore) *Handler {
	return &Handler{
		explorer: explorer,
		relay:    relay,
		cache:    cache,
		watches:  watches,
		graph:    graph,
	}
}

// Mount registers all handlers, middlewares, and observability tools to the mux.
func (h *Handler) Mount(mux *http.ServeMux) error {
	// Observability & Operations first: the meter provider must be in
	// place before the interceptor and the gauges pick it up.
	services := []string{
		app.ExplorerServiceName,
	}

	if err := h.registerOpsHandlers(mux, services); err != nil {
		return err
	}

	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return err
	}

	interceptors := connect.WithInterceptors(
		otelInterceptor,
	)

	// Service Handlers
	mux.Handle(h.explorer.Handler(interceptors))
	mux.Handle(app.StreamRelayPath, h.relay)

	return nil
}

// registerOpsHandlers sets up Reflection, Health Check, and Metrics.
func (h *Handler) registerOpsHandlers(mux *http.ServeMux, serviceNames []string) error {
	// gRPC Reflection
	reflector := grpcreflect.NewStaticReflector(serviceNames...)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))

	// gRPC Health Check
	checker := grpchealth.NewStaticChecker(serviceNames...)
	mux.Handle(grpchealth.NewHandler(checker))

	// Prometheus Metrics
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	mux.Handle("/metrics", promhttp.Handler())

	if _, err := app.RegisterMetrics(otel.Meter(app.MeterName), h.cache, h.watches, h.graph); err != nil {
		return err
	}

	return nil
}
