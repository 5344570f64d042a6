// OpenTelemetry tracing support for heartbeat, sweep and probe paths.
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

// Tracer wraps OpenTelemetry tracing with fleetwatch-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include raw payloads in span attributes
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
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Heartbeat Spans ---

// HeartbeatSpanOptions describes an applied heartbeat.
type HeartbeatSpanOptions struct {
	NodeID    string
	IPAddress string
	Created   bool
	Payload   string // Only included if debug=true
}

// StartHeartbeatSpan starts a span for one ingested heartbeat.
func (t *Tracer) StartHeartbeatSpan(ctx context.Context, transport string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "heartbeat."+transport, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("heartbeat.transport", transport))
	return ctx, span
}

// EndHeartbeatSpan ends a heartbeat span with attributes.
func (t *Tracer) EndHeartbeatSpan(span trace.Span, opts HeartbeatSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Bool("node.created", opts.Created),
	}
	if opts.NodeID != "" {
		attrs = append(attrs, attribute.String("node.id", opts.NodeID))
	}
	if opts.IPAddress != "" {
		attrs = append(attrs, attribute.String("node.ip_address", opts.IPAddress))
	}
	if t.debug && opts.Payload != "" {
		attrs = append(attrs, attribute.String("heartbeat.payload", truncate(opts.Payload, 2000)))
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

// --- Sweep Spans ---

// SweepSpanOptions summarises a sweep.
type SweepSpanOptions struct {
	Nodes           int
	Alive           int
	Dead            int
	ServicesChecked int
	ServicesChanged int
	Failures        int
}

// StartSweepSpan starts a span for one sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan ends a sweep span with attributes.
func (t *Tracer) EndSweepSpan(span trace.Span, opts SweepSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("sweep.nodes", opts.Nodes),
		attribute.Int("sweep.alive", opts.Alive),
		attribute.Int("sweep.dead", opts.Dead),
		attribute.Int("sweep.services_checked", opts.ServicesChecked),
		attribute.Int("sweep.services_changed", opts.ServicesChanged),
		attribute.Int("sweep.failures", opts.Failures),
	)
	end(span, err)
}

// --- Probe Spans ---

// ProbeSpanOptions describes an endpoint probe.
type ProbeSpanOptions struct {
	URL         string
	StatusCode  int
	Operational bool
}

// StartProbeSpan starts a span for an outbound endpoint check.
func (t *Tracer) StartProbeSpan(ctx context.Context, target string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "probe."+target, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("probe.target", target))
	return ctx, span
}

// EndProbeSpan ends a probe span with attributes.
func (t *Tracer) EndProbeSpan(span trace.Span, opts ProbeSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("probe.url", opts.URL),
		attribute.Bool("probe.operational", opts.Operational),
	}
	if opts.StatusCode > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", opts.StatusCode))
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

func end(span trace.Span, err error) {
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

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
