package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/toolmind/agent/config"
)

// otelState holds the process-wide meter provider and Prometheus registry
// the sandbox and store packages' otel.Meter calls resolve against once
// SetupOTel has run. A daemon that never calls SetupOTel still works: otel's
// default no-op global provider absorbs every instrument.
type otelState struct {
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

var global otelState

// SetupOTel installs a Prometheus-backed otel MeterProvider as the global
// provider, so every otel.Meter(...) call made across the daemon (store,
// sandbox, this package) publishes through the same registry. It returns a
// shutdown func to flush and detach the provider on daemon exit.
func SetupOTel(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.MetricsEnabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("service.namespace", "toolmind"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	global = otelState{mp: mp, registry: registry}

	return mp.Shutdown, nil
}

// MetricsHandler serves the Prometheus registry SetupOTel installed, or an
// empty text response if metrics were never enabled.
func MetricsHandler() http.Handler {
	if global.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}
