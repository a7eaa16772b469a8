package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scope names the tracer every tickerlens span is created with.
const scope = "github.com/MrWong99/tickerlens"

// Tracer is the tickerlens tracer from the global provider. [Setup] installs
// that provider; before it runs spans are no-ops.
func Tracer() trace.Tracer { return otel.Tracer(scope) }

// StartSpan opens a child span of whatever span ctx carries. End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// FailSpan marks span as failed with err and returns err unchanged, so a
// return site can stay a single expression.
func FailSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CorrelationID is the trace id of the span in ctx. HTTP responses echo it as
// X-Correlation-ID. It is "" outside a span.
func CorrelationID(ctx context.Context) string {
	if tid := trace.SpanContextFromContext(ctx).TraceID(); tid.IsValid() {
		return tid.String()
	}
	return ""
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the chat request it serves.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by [WithRequestID], if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger is the default logger with the ids found in ctx attached:
// trace_id and span_id inside a span, request_id inside a chat request.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
