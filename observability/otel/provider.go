// Package otel wires the OpenTelemetry trace and meter providers used by the
// ledger. Spans come from the registry and ledger operations; metrics come
// from the instruments attached to observability/metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter handed to the ledger.
const InstrumentationName = "merkledrop"

// NetworkKey tags every exported span and metric with the ledger network.
const NetworkKey = attribute.Key("merkledrop.network")

type Config struct {
	ServiceName string
	Environment string
	Network     string
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	Traces      bool
	Metrics     bool
	// SampleRatio is the fraction of root spans kept. Zero keeps all.
	SampleRatio float64
}

// Enabled reports whether any signal is exported.
func (c Config) Enabled() bool {
	return c.Traces || c.Metrics
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("otel: service name required")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("otel: sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

type options struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// Option overrides an exporter Init would otherwise build for the OTLP
// endpoint.
type Option func(*options)

// WithSpanExporter sends spans to exp instead of the OTLP endpoint.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricReader collects metrics through r instead of a periodic OTLP
// push.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// Provider owns the SDK providers of one process. The zero value, returned
// when telemetry is disabled, hands out no-op tracers and meters.
type Provider struct {
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
}

// Init builds the providers requested by cfg and installs them as the
// global OpenTelemetry providers.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{}
	if cfg.Traces {
		exp := o.spanExporter
		if exp == nil {
			if exp, err = otlptracehttp.New(ctx, traceOptions(cfg)...); err != nil {
				return nil, fmt.Errorf("otel: trace exporter: %w", err)
			}
		}
		sampler := sdktrace.AlwaysSample()
		if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
			sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
		}
		p.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
			sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)),
		)
		otel.SetTracerProvider(p.traces)
	}
	if cfg.Metrics {
		reader := o.metricReader
		if reader == nil {
			exp, err := otlpmetrichttp.New(ctx, metricOptions(cfg)...)
			if err != nil {
				_ = p.Shutdown(ctx)
				return nil, fmt.Errorf("otel: metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
		}
		p.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(p.meters)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceNamespaceKey.String(InstrumentationName),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	if cfg.Network != "" {
		attrs = append(attrs, NetworkKey.String(cfg.Network))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}
	return res, nil
}

func traceOptions(cfg Config) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint(cfg))}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func metricOptions(cfg Config) []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint(cfg))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	return opts
}

func endpoint(cfg Config) string {
	if cfg.Endpoint == "" {
		return "localhost:4318"
	}
	return cfg.Endpoint
}

// Tracer returns the tracer for ledger spans.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.traces == nil {
		return tracenoop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.traces.Tracer(InstrumentationName)
}

// Meter returns the meter for ledger instruments.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meters == nil {
		return metricnoop.NewMeterProvider().Meter(InstrumentationName)
	}
	return p.meters.Meter(InstrumentationName)
}

// ForceFlush exports everything recorded so far.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.ForceFlush(ctx))
	}
	if p.meters != nil {
		errs = append(errs, p.meters.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ParseHeaders converts "key=value,foo=bar" into exporter headers. Malformed
// pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
