// Package otel wires the OpenTelemetry SDK for gpuwarden: OTLP HTTP push,
// optional stdout exporters, and a Prometheus registry that serve mode
// exposes on /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/gpuwarden/internal/buildinfo"
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

	// Prometheus enables the pull reader and the /metrics handler.
	Prometheus bool
}

// Telemetry is the result of Setup.
type Telemetry struct {
	// MetricsHandler serves the Prometheus registry.  Nil when
	// Config.Prometheus is false.
	MetricsHandler http.Handler

	shutdownFuncs []func(context.Context) error
}

// Shutdown flushes and stops every provider Setup installed.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

// Setup installs the global tracer and meter providers.  With nothing
// enabled the otel no-op providers stay in place and Shutdown is a no-op.
func Setup(ctx context.Context, serviceName string, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	if cfg.Enabled {
		tp, err := newTraceProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	var readers []metric.Reader
	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("otlp metric exporter: %w", err), t.Shutdown(ctx))
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second)))
	}
	if cfg.StdOut && (cfg.Enabled || cfg.Prometheus) {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second)))
	}
	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating prometheus exporter: %w", err), t.Shutdown(ctx))
		}
		readers = append(readers, exp)
		t.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	if len(readers) > 0 {
		opts := []metric.Option{metric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, metric.WithReader(r))
		}
		mp := metric.NewMeterProvider(opts...)
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return t, nil
}

// newTraceProvider batches spans to OTLP HTTP and, when requested, stdout.
func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlpExp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	exporters := []trace.SpanExporter{otlpExp}

	if cfg.StdOut {
		stdoutExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, stdoutExp)
	}

	providerOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(providerOpts...), nil
}
