// Package observability wires OpenTelemetry tracing and metrics into the
// validation engine.
//
// This package implements:
// - Distributed tracing with OTLP export
// - Metrics collection with RED (Rate, Errors, Duration) pattern
// - A pipeline lifecycle hook feeding run and step metrics
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "veriflow-engine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics (Rate, Errors, Duration)
	runCounter      metric.Int64Counter
	diagCounter     metric.Int64Counter
	stepDuration    metric.Float64Histogram
	activeSteps     metric.Int64UpDownCounter
	decisionCounter metric.Int64Counter
}

// New creates a new observability provider. A disabled config yields a
// provider whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("veriflow.component", "engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("veriflow.engine",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("veriflow.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.runCounter, err = p.meter.Int64Counter("veriflow.runs.total",
		metric.WithDescription("Total number of validation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.diagCounter, err = p.meter.Int64Counter("veriflow.diagnostics.total",
		metric.WithDescription("Diagnostics emitted across all steps"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return err
	}

	p.stepDuration, err = p.meter.Float64Histogram("veriflow.step.duration",
		metric.WithDescription("Filter step duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeSteps, err = p.meter.Int64UpDownCounter("veriflow.steps.active",
		metric.WithDescription("Filter steps currently executing"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return err
	}

	p.decisionCounter, err = p.meter.Int64Counter("veriflow.decisions.total",
		metric.WithDescription("Policy gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("veriflow.engine")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("veriflow.engine")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRun counts one validation run.
func (p *Provider) RecordRun(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDiagnostics counts diagnostics emitted by a step.
func (p *Provider) RecordDiagnostics(ctx context.Context, n int, attrs ...attribute.KeyValue) {
	if p.diagCounter != nil && n > 0 {
		p.diagCounter.Add(ctx, int64(n), metric.WithAttributes(attrs...))
	}
}

// RecordStepDuration records one step's wall time.
func (p *Provider) RecordStepDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.stepDuration != nil {
		p.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordDecision counts one gate decision.
func (p *Provider) RecordDecision(ctx context.Context, decision string) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(decision)))
	}
}

// TrackStep tracks a filter step from start to finish. The returned function
// must be called when the step completes.
func (p *Provider) TrackStep(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeSteps != nil {
		p.activeSteps.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		duration := time.Since(start)
		if p.activeSteps != nil {
			p.activeSteps.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordStepDuration(ctx, duration, attrs...)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
