package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracingConfig configures in-process tracing.
type TracingConfig struct {
	// Enabled installs a real tracer provider; otherwise the no-op global
	// stays in place and spans cost nothing.
	Enabled bool `yaml:"enabled"`

	// SamplingRate in [0, 1]; 0 never samples, 1 always does.
	SamplingRate float64 `yaml:"sampling_rate"`
}

// SetupTracing installs the global tracer provider and returns its
// shutdown func. Spans stay in-process: there is no exporter, the provider
// exists so instrumented code paths (engine turns, tool calls) carry
// consistent span context for anything sampling them.
func SetupTracing(ctx context.Context, config TracingConfig) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("nexus")),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if config.SamplingRate > 0 && config.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	} else if config.SamplingRate == 0 {
		sampler = sdktrace.NeverSample()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
