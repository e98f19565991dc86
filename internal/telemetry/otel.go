// Package telemetry installs the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	ServiceName    string        `mapstructure:"service_name"`
	Tracing        bool          `mapstructure:"tracing"`
	Metrics        bool          `mapstructure:"metrics"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
	// Output receives exported spans and metrics; defaults to stdout.
	Output io.Writer `mapstructure:"-"`
}

// Setup installs the propagator and, when enabled, stdout trace and metric
// providers. The returned function flushes and shuts them down.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	res := resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName))

	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = time.Minute
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(interval))),
			metric.WithResource(res),
		)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}
