package app

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/otterscale/kube-explorer/internal/core"
)

// MeterName is the instrumentation scope of the explorer gauges.
const MeterName = "github.com/otterscale/kube-explorer"

// RegisterMetrics publishes the sizes of the object cache, the watch
// multiplexer and the graph store as observable gauges.
func RegisterMetrics(meter metric.Meter, cache *core.ObjectCache, watches *core.WatchUseCase, graph *core.GraphStore) (metric.Registration, error) {
	cached, err := meter.Int64ObservableGauge("explorer.cache.objects",
		metric.WithDescription("Objects held by the object cache."))
	if err != nil {
		return nil, err
	}
	watchCount, err := meter.Int64ObservableGauge("explorer.watches",
		metric.WithDescription("Registered watches."))
	if err != nil {
		return nil, err
	}
	bindingCount, err := meter.Int64ObservableGauge("explorer.watch.bindings",
		metric.WithDescription("Live watch bindings."))
	if err != nil {
		return nil, err
	}
	graphObjects, err := meter.Int64ObservableGauge("explorer.graph.objects",
		metric.WithDescription("Entries of the graph store, live or awaiting collection."))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		w, b := watches.Len()
		o.ObserveInt64(cached, int64(cache.Len()))
		o.ObserveInt64(watchCount, int64(w))
		o.ObserveInt64(bindingCount, int64(b))
		o.ObserveInt64(graphObjects, int64(graph.Len()))
		return nil
	}, cached, watchCount, bindingCount, graphObjects)
}
