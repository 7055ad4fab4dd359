// Package trace wraps OpenTelemetry so the trainer can open one span per
// outer iteration and one per iteration state.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer defines the tracing interface
type Tracer interface {
	// Start creates a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// GetTraceID returns trace ID from context
	GetTraceID(ctx context.Context) string

	// Shutdown flushes and stops the exporter
	Shutdown(ctx context.Context) error
}

// TracerConfig defines tracer configuration
type TracerConfig struct {
	// Service name
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// Service version
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// Exporter (none, otlp, zipkin)
	Provider string `mapstructure:"provider" yaml:"provider" validate:"omitempty,oneof=none otlp zipkin"`

	// Endpoint for exporter
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Sampling rate (0.0 - 1.0)
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// OtelTracer wraps an OpenTelemetry tracer and its provider
type OtelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer creates a tracer. Provider "none" (or empty) yields a no-op
// tracer that records nothing and needs no endpoint.
func NewTracer(cfg TracerConfig) (Tracer, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return NewNop(), nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Provider {
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
	case "otlp":
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	return newWithExporter(cfg, res, exporter), nil
}

func newWithExporter(cfg TracerConfig, res *resource.Resource, exporter sdktrace.SpanExporter) *OtelTracer {
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &OtelTracer{
		tracer:   tp.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		provider: tp,
	}
}

// NewWithExporter builds a tracer around a caller-supplied exporter, e.g. an
// in-memory exporter in tests.
func NewWithExporter(cfg TracerConfig, exporter sdktrace.SpanExporter) *OtelTracer {
	return newWithExporter(cfg, nil, exporter)
}

// Start creates a new span
func (t *OtelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns trace ID from context
func (t *OtelTracer) GetTraceID(ctx context.Context) string {
	return traceID(ctx)
}

// ForceFlush exports every ended span without stopping the tracer
func (t *OtelTracer) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}

// Shutdown gracefully shuts down the tracer
func (t *OtelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

type nopTracer struct {
	tracer trace.Tracer
}

// NewNop returns a tracer whose spans are never recorded
func NewNop() Tracer {
	return nopTracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func (n nopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return n.tracer.Start(ctx, spanName, opts...)
}

func (n nopTracer) GetTraceID(ctx context.Context) string { return traceID(ctx) }

func (n nopTracer) Shutdown(context.Context) error { return nil }

func traceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// RecordSpanError records an error on current span
func RecordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanAttributes sets attributes on current span
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// IntAttr creates an int attribute
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// Float64Attr creates a float64 attribute
func Float64Attr(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}

// StringAttr creates a string attribute
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
