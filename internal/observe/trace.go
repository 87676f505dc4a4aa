package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the listener tracer.
const tracerName = "github.com/MrWong99/kaylistener"

// RequestIDHeader carries the request ID on status-server responses and on
// webhook uploads.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Tracer returns the listener tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithRequestID returns ctx tagged with id. [Logger] adds it to every line.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the ID set by [WithRequestID], or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Carry returns base extended with the span context and request ID of from,
// but not its deadline or cancellation. Work that runs under a long-lived
// context on behalf of a request stays in that request's trace.
func Carry(base, from context.Context) context.Context {
	if sc := trace.SpanContextFromContext(from); sc.IsValid() {
		base = trace.ContextWithSpanContext(base, sc)
	}
	if id := RequestID(from); id != "" {
		base = WithRequestID(base, id)
	}
	return base
}

// Logger returns the default logger with request_id, trace_id and span_id
// from ctx, each only when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := RequestID(ctx); id != "" {
		l = l.With(slog.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
