// Package tracing sets up OpenTelemetry span export for the orchestrator.
// Packages create their own tracers with otel.Tracer("gleitzeit/<pkg>"); this
// package only decides where those spans go.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures span export.
type Config struct {
	Enabled bool

	// Endpoint is the OTLP/gRPC collector address, host:port.
	Endpoint string
	Insecure bool

	// SampleRate applies to root spans; children follow their parent.
	SampleRate float64

	Service string
	Version string

	ExportTimeout time.Duration

	// Exporter replaces the OTLP exporter when set.
	Exporter sdktrace.SpanExporter

	Logger *slog.Logger
}

// DefaultConfig returns a disabled configuration pointing at a local
// collector.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:      "localhost:4317",
		Insecure:      true,
		SampleRate:    1.0,
		Service:       "gleitzeit-orchestrator",
		Version:       "dev",
		ExportTimeout: 5 * time.Second,
	}
}

// Shutdown flushes buffered spans and stops export.
type Shutdown func(ctx context.Context) error

// Setup installs the W3C trace-context propagator and, when enabled, a
// batching tracer provider as the global one. The returned Shutdown is never
// nil.
func Setup(ctx context.Context, cfg *Config) (Shutdown, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter := cfg.Exporter
	if exporter == nil {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.ExportTimeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		var err error
		if exporter, err = otlptracegrpc.New(ctx, opts...); err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.Service),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

// Sampler samples the given fraction of root spans. Rates outside (0, 1)
// clamp to never or always.
func Sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1.0:
		root = sdktrace.AlwaysSample()
	case rate <= 0.0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}
