package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Thetason/obiwan-sub003"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSpan starts an internal span carrying attrs. The caller ends it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// FailSpan records err on span and sets an error status described by
// reason, typically the metric status of the failed call.
func FailSpan(span trace.Span, err error, reason string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
}

// CorrelationID is the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a valid span context.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// SessionLogger is [Logger] plus session_id. The span in ctx, if any, gets
// the matching session.id attribute so logs and traces join on it.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("session.id", sessionID))
	return Logger(ctx).With(slog.String("session_id", sessionID))
}
