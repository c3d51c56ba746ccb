// OpenTelemetry tracing for mirror hydrate, flush and relay operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Mirror span names.
const (
	SpanHydrate = "mirror.hydrate"
	SpanFlush   = "mirror.flush"
	SpanReset   = "mirror.reset"
	SpanRelay   = "mirror.relay"
)

// Tracer wraps OpenTelemetry tracing with mirror-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include snapshot content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Mirror Spans ---

// MirrorSpanOptions describes the outcome of a mirror operation.
type MirrorSpanOptions struct {
	MirrorID string
	Bytes    int  // size of the document read or written
	Keys     int  // top-level keys in the document
	Found    bool // hydrate only: a stored snapshot existed
	Snapshot string
}

// StartMirrorSpan starts a span for a mirror operation against key.
// Operations talk to an external store, so the span kind is client.
func (t *Tracer) StartMirrorSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("mirror.key", key))
	return ctx, span
}

// EndMirrorSpan records the outcome and ends the span.
func (t *Tracer) EndMirrorSpan(span trace.Span, opts MirrorSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("mirror.bytes", opts.Bytes),
		attribute.Int("mirror.keys", opts.Keys),
	}
	if opts.MirrorID != "" {
		attrs = append(attrs, attribute.String("mirror.id", opts.MirrorID))
	}
	if opts.Found {
		attrs = append(attrs, attribute.Bool("mirror.found", true))
	}
	if t.debug && opts.Snapshot != "" {
		attrs = append(attrs, attribute.String("mirror.snapshot", truncate(opts.Snapshot, 4000)))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Relay Spans ---

// StartRelaySpan starts a producer span for publishing an event to subject.
func (t *Tracer) StartRelaySpan(ctx context.Context, subject, kind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanRelay, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("messaging.destination", subject),
		attribute.String("mirror.event", kind),
	)
	return ctx, span
}

// EndRelaySpan ends a relay span.
func (t *Tracer) EndRelaySpan(span trace.Span, err error) {
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
