// Package observability provides OpenTelemetry tracing and metrics for the
// governance engine: evaluation spans, transition and platform error
// counters, and an evaluation duration histogram.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/govbox"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns disabled-by-default settings for a local install.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "govbox",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric pipelines and the engine instruments.
// A nil *Provider is valid and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	transitions    metric.Int64Counter
	platformErrors metric.Int64Counter
	ruleErrors     metric.Int64Counter
	evalDuration   metric.Float64Histogram
	active         metric.Int64UpDownCounter
}

// New creates a provider exporting over OTLP gRPC. When the config is
// disabled the global (no-op unless installed) providers are used.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")

	if !config.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		return NewWithProviders(otel.GetMeterProvider(), otel.GetTracerProvider())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(mp, tp)
	if err != nil {
		return nil, err
	}
	p.config = config
	p.tracerProvider = tp
	p.meterProvider = mp

	logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds the instruments on caller-supplied providers.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	meter := mp.Meter(instrumentationName)
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}

	var err error
	if p.transitions, err = meter.Int64Counter("govbox.transitions",
		metric.WithDescription("Proposal status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if p.platformErrors, err = meter.Int64Counter("govbox.platform_errors",
		metric.WithDescription("Failed platform calls"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if p.ruleErrors, err = meter.Int64Counter("govbox.rule_errors",
		metric.WithDescription("Failed rule expression evaluations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if p.evalDuration, err = meter.Float64Histogram("govbox.evaluate.duration",
		metric.WithDescription("Proposal evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, err
	}
	if p.active, err = meter.Int64UpDownCounter("govbox.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the pipelines created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// RecordTransition counts a proposal reaching status.
func (p *Provider) RecordTransition(ctx context.Context, status string) {
	if p == nil {
		return
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlatformError counts a failed platform call.
func (p *Provider) RecordPlatformError(ctx context.Context, endpoint, step string) {
	if p == nil {
		return
	}
	p.platformErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("step", step),
	))
}

// RecordRuleError counts a rule expression failure.
func (p *Provider) RecordRuleError(ctx context.Context, phase string) {
	if p == nil {
		return
	}
	p.ruleErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// TrackOperation starts a span and returns the func that ends it, recording
// the duration and any error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.active.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		all := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
		p.evalDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(all...))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
