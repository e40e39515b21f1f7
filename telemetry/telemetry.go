// Package telemetry bridges core.Telemetry onto OpenTelemetry. Spans go
// to the configured tracer; metrics are float64 counters and histograms
// created lazily by name, with a cardinality guard on label values.
//
// Instruments emitted by the library:
//
//	n8nkit.client.requests          counter   {operation, outcome}
//	n8nkit.client.request.duration  histogram {operation}
//	n8nkit.polling.polls            counter   {outcome}
//	n8nkit.queue.items              counter   {event}
//	n8nkit.cache.lookups            counter   {outcome}
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/unfazed-dev/n8nkit/core"
)

const instrumentationName = "n8nkit"

// Provider implements core.Telemetry over OpenTelemetry.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	limiter       *cardinalityLimiter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a Provider on the globally configured tracer and meter
// providers. Use Init to wire the development SDK first, or install
// production providers through the otel globals before calling New.
func New() *Provider {
	return &Provider{
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		limiter:    newCardinalityLimiter(defaultLabelLimits),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Init wires the trace SDK with a stdout exporter, sets the globals,
// and returns a Provider bound to them. Development default; production
// deployments install their own exporter and call New.
func Init(serviceName string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p := New()
	p.traceProvider = tp
	p.tracer = tp.Tracer(instrumentationName)
	return p, nil
}

// Shutdown flushes and stops the trace provider owned by Init. A
// Provider from New owns nothing and shuts down as a no-op.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.limiter.stop()
	if p.traceProvider == nil {
		return nil
	}
	return p.traceProvider.Shutdown(ctx)
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records value on the instrument named name. Names ending
// in ".duration" become histograms, everything else a counter.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, p.limiter.checkAndLimit(name, k, v)))
	}
	opt := metric.WithAttributes(attrs...)

	if strings.HasSuffix(name, ".duration") {
		if h := p.histogram(name); h != nil {
			h.Record(context.Background(), value, opt)
		}
		return
	}
	if c := p.counter(name); c != nil {
		c.Add(context.Background(), value, opt)
	}
}

func (p *Provider) counter(name string) metric.Float64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, err := p.meter.Float64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		return nil
	}
	p.histograms[name] = h
	return h
}

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
