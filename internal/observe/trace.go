package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicebridge tracer.
const tracerName = "github.com/yobell-ai/voicebridge"

// Tracer returns the voicebridge tracer from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the voicebridge tracer. The caller must call
// span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan opens the span covering one bridged call. The call outlives
// the HTTP upgrade request that spawned it, so the upgrade span is attached
// as a link rather than a parent.
func StartCallSpan(ctx context.Context, upgrade trace.SpanContext, streamSid, callSid, tenantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "bridge.call",
		trace.WithLinks(trace.Link{SpanContext: upgrade}),
		trace.WithAttributes(
			attribute.String("call.stream_sid", streamSid),
			attribute.String("call.sid", callSid),
			attribute.String("tenant.id", tenantID),
		),
	)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the correlation identifier surfaced to clients.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// CallLogger tags base with the trace id of the active span in ctx, so
// per-call log lines can be joined to the call span. The bridge adds its own
// stream and call identifiers on top.
func CallLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if cid := CorrelationID(ctx); cid != "" {
		return base.With(slog.String("trace_id", cid))
	}
	return base
}
