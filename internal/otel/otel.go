// Package otel wires the OpenTelemetry SDK for cloudshell: OTLP push of
// traces and metrics, an optional stdout exporter, and a Prometheus
// reader served on the API listener.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/cloudshell/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool

	// Prometheus registers a metric reader whose output MetricsHandler
	// serves.
	Prometheus bool
}

// Telemetry is the configured SDK.
type Telemetry struct {
	registry      *prometheus.Registry
	shutdownFuncs []func(context.Context) error
}

// SetupOTelSDK installs global tracer and meter providers for serviceName.
// Call Shutdown on the result to flush exporters.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Enabled || cfg.StdOut {
		tp, err := newTraceProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.StdOut || cfg.Prometheus {
		mp, err := t.newMeterProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return t, nil
}

// newResource describes this process. The SDK detectors and the service
// attributes share one schema URL, so the merge cannot conflict.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		// A malformed OTEL_RESOURCE_ATTRIBUTES entry is dropped, not fatal.
		return res, nil
	}
	return res, err
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

// MetricsHandler serves the Prometheus exposition, or nil when the
// Prometheus reader is disabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if cfg.Enabled {
		var eopts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			eopts = append(eopts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			eopts = append(eopts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, eopts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func (t *Telemetry) newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var eopts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			eopts = append(eopts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			eopts = append(eopts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, eopts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))))
	}

	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		t.registry = reg
		opts = append(opts, metric.WithReader(exp))
	}

	return metric.NewMeterProvider(opts...), nil
}
