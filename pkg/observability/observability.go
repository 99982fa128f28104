// Package observability exports traces and metrics for oracle executions over
// OTLP. A disabled Provider hands out no-op instruments, so callers never
// branch on whether telemetry is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

const instrumentationName = "github.com/fluxprotocol/oraclevm"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`   // 0.0 to 1.0
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"` // plaintext gRPC, dev only
}

// DefaultConfig returns the defaults. Telemetry is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "oraclevm",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Option overrides how a Provider exports.
type Option func(*options)

type options struct {
	reader   sdkmetric.Reader
	exporter sdktrace.SpanExporter
}

// WithMetricReader replaces the OTLP metric exporter with r.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// WithSpanExporter replaces the OTLP trace exporter with e.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// Provider manages the trace and metric providers and the execution metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	executions metric.Int64Counter
	gasUsed    metric.Float64Histogram
	gasByKind  metric.Float64Counter
	duration   metric.Float64Histogram
	fetches    metric.Int64Counter
	active     metric.Int64UpDownCounter
}

// New creates a provider. With config.Enabled false every instrument is a no-op.
func New(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		p.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
		p.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
		return p, p.initInstruments()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res, o.exporter); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res, o.reader); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource, exporter sdktrace.SpanExporter) error {
	if exporter == nil {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
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

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultConfig().BatchTimeout
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource, reader sdkmetric.Reader) error {
	if reader == nil {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.executions, err = p.meter.Int64Counter("oraclevm.executions",
		metric.WithDescription("Finished executions by mode and status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}

	p.gasUsed, err = p.meter.Float64Histogram("oraclevm.execution.gas",
		metric.WithDescription("Gas consumed per execution"),
		metric.WithUnit("{gas}"),
		metric.WithExplicitBucketBoundaries(1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9, 1e10, 1e12),
	)
	if err != nil {
		return err
	}

	p.gasByKind, err = p.meter.Float64Counter("oraclevm.gas.consumed",
		metric.WithDescription("Gas consumed by operation kind"),
		metric.WithUnit("{gas}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = p.meter.Float64Histogram("oraclevm.execution.duration",
		metric.WithDescription("Execution wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.fetches, err = p.meter.Int64Counter("oraclevm.fetch.lookups",
		metric.WithDescription("Fetch cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	p.active, err = p.meter.Int64UpDownCounter("oraclevm.operations.active",
		metric.WithDescription("Operations in progress"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
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

// ForceFlush exports everything buffered so far.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.ForceFlush(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.ForceFlush(ctx)
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// ObserveExecution records one finished execution. It has the signature of
// sandbox.WithObserver.
func (p *Provider) ObserveExecution(ctx context.Context, r sandbox.Report) {
	attrs := metric.WithAttributes(AttrMode.String(r.Mode), AttrStatus.String(string(r.Status)))
	p.executions.Add(ctx, 1, attrs)
	p.duration.Record(ctx, r.Duration.Seconds(), attrs)
	if gas, ok := gasFloat(r.GasUsed); ok {
		p.gasUsed.Record(ctx, gas, attrs)
	}
	for kind, amount := range r.Breakdown {
		if gas, ok := gasFloat(amount); ok && gas > 0 {
			p.gasByKind.Add(ctx, gas, metric.WithAttributes(AttrOpKind.String(kind)))
		}
	}
	AddSpanEvent(ctx, "execution.finished", ExecutionAttributes(r)...)
}

// ObserveFetch records one fetch cache lookup. It has the signature of
// fetch.WithObserver.
func (p *Provider) ObserveFetch(ctx context.Context, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	p.fetches.Add(ctx, 1, metric.WithAttributes(AttrFetchResult.String(result)))
}

// TrackOperation starts a span and marks the operation active. The returned
// function ends both and records err on the span.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.active.Add(ctx, 1)
	return ctx, func(err error) {
		p.active.Add(ctx, -1)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// gasFloat converts a decimal gas amount for export. Amounts beyond float64
// precision are rounded.
func gasFloat(s string) (float64, bool) {
	f, ok := new(big.Float).SetString(s)
	if !ok {
		return 0, false
	}
	v, _ := f.Float64()
	return v, true
}
