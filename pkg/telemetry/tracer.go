// Package telemetry provides OpenTelemetry tracing for the Birthmark
// authority. Spans carry outcome labels only, never device secrets,
// ciphertexts or content hashes.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"-"`
	Endpoint       string  `mapstructure:"endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	Enabled        bool    `mapstructure:"enabled"`
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init initializes the telemetry provider.
func Init(ctx context.Context, cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{
			tracer: otel.Tracer(cfg.ServiceName),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SampleRate),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		if err := tp.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	return nil
}

// Tracer returns the tracer for creating spans.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span with sanitized attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, opts...)
}

// SafeAttributes returns attributes that are safe to include in traces.
type SafeAttributes struct {
	attrs []attribute.KeyValue
}

// NewSafeAttributes creates a new safe attributes builder.
func NewSafeAttributes() *SafeAttributes {
	return &SafeAttributes{
		attrs: make([]attribute.KeyValue, 0),
	}
}

// HTTPMethod adds the HTTP method.
func (sa *SafeAttributes) HTTPMethod(method string) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPMethod(method))
	return sa
}

// HTTPRoute adds the HTTP route template (not the actual path with IDs).
func (sa *SafeAttributes) HTTPRoute(route string) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPRoute(route))
	return sa
}

// HTTPStatusCode adds the HTTP status code.
func (sa *SafeAttributes) HTTPStatusCode(code int) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPStatusCode(code))
	return sa
}

// Operation adds a generic operation name.
func (sa *SafeAttributes) Operation(op string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("operation", op))
	return sa
}

// Result adds an operation result (success/failure).
func (sa *SafeAttributes) Result(result string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("result", result))
	return sa
}

// Duration adds a duration in milliseconds.
func (sa *SafeAttributes) Duration(d time.Duration) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int64("duration_ms", d.Milliseconds()))
	return sa
}

// Valid adds a validation verdict.
func (sa *SafeAttributes) Valid(valid bool) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Bool("birthmark.valid", valid))
	return sa
}

// Reason adds a validation reason code.
func (sa *SafeAttributes) Reason(reason string) *SafeAttributes {
	if reason != "" {
		sa.attrs = append(sa.attrs, attribute.String("birthmark.reason", reason))
	}
	return sa
}

// Cached marks whether the result came from the validation cache.
func (sa *SafeAttributes) Cached(cached bool) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Bool("birthmark.cached", cached))
	return sa
}

// KeyTable adds the key table id named by a proof.
func (sa *SafeAttributes) KeyTable(id int) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int("birthmark.key_table", id))
	return sa
}

// Build returns the safe attributes.
func (sa *SafeAttributes) Build() []attribute.KeyValue {
	return sa.attrs
}

// Never record in spans: request bodies, device serials, secrets,
// ciphertexts, nonces, content hashes, certificates, private keys,
// client addresses or authorization headers.
