// Package telemetry hands out OpenTelemetry meter and tracer handles from
// the global providers and serves a local Prometheus registry over HTTP.
// Tracing/metrics exporters are a pluggable collaborator of the core
// (spec §1 Out of scope); no exporter is registered here, so otel
// instruments are not exported through the Prometheus endpoint, which
// serves only the Go runtime and process collectors.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handle is the process-wide telemetry surface.
type Handle struct {
	Meter    metric.Meter
	Tracer   trace.Tracer
	Registry *prometheus.Registry
}

// Init creates a no-op-safe telemetry handle for service. Meter/Tracer
// creation never fails the caller; instrument construction errors are
// logged and the instrument becomes a no-op.
func Init(service string) *Handle {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Handle{
		Meter:    otel.GetMeterProvider().Meter(service),
		Tracer:   otel.Tracer(service),
		Registry: registry,
	}
}

// MetricsHandler exposes the Prometheus registry over HTTP.
func (h *Handle) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{})
}

// Counter creates an Int64Counter, logging and degrading to a discarded
// counter on failure rather than propagating the error.
func Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		slog.Warn("instrument creation failed", "instrument", name, "error", err)
	}
	return c
}

// Histogram creates a Float64Histogram with the same degrade-on-error policy.
func Histogram(meter metric.Meter, name, description string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(description))
	if err != nil {
		slog.Warn("instrument creation failed", "instrument", name, "error", err)
	}
	return h
}

// Gauge creates an Int64Gauge with the same degrade-on-error policy.
func Gauge(meter metric.Meter, name, description string) metric.Int64Gauge {
	g, err := meter.Int64Gauge(name, metric.WithDescription(description))
	if err != nil {
		slog.Warn("instrument creation failed", "instrument", name, "error", err)
	}
	return g
}

// Shutdown is a placeholder hook kept symmetric with the teacher's
// otelinit.Flush; there is no exporter pipeline to drain by default.
func Shutdown(ctx context.Context) error {
	return nil
}
