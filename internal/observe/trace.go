package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/stagehand"

// Tracer returns the stagehand tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

type fieldsKey struct{}

// WithFields returns a context carrying key/value pairs that [Logger] adds
// to every record and [StartSpan] sets on every span, such as world_id or
// request_id. Later values for a key win. An odd trailing key is dropped.
func WithFields(ctx context.Context, kv ...string) context.Context {
	if len(kv) < 2 {
		return ctx
	}
	prev := fields(ctx)
	next := make([]attribute.KeyValue, 0, len(prev)+len(kv)/2)
	next = append(next, prev...)
	for i := 0; i+1 < len(kv); i += 2 {
		next = append(next, attribute.String(kv[i], kv[i+1]))
	}
	return context.WithValue(ctx, fieldsKey{}, next)
}

func fields(ctx context.Context) []attribute.KeyValue {
	f, _ := ctx.Value(fieldsKey{}).([]attribute.KeyValue)
	return f
}

// StartSpan starts a span tagged with the context's fields. The caller ends
// it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if f := fields(ctx); len(f) > 0 {
		opts = append(opts, trace.WithAttributes(f...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the active span, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the context's fields and, inside a
// span, its trace_id and span_id.
func Logger(ctx context.Context) *slog.Logger {
	f := fields(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if len(f) == 0 && !sc.HasTraceID() {
		return slog.Default()
	}
	args := make([]any, 0, 2*len(f)+4)
	seen := make(map[attribute.Key]int, len(f))
	for _, kv := range f {
		if i, ok := seen[kv.Key]; ok {
			args[i+1] = kv.Value.AsString()
			continue
		}
		seen[kv.Key] = len(args)
		args = append(args, string(kv.Key), kv.Value.AsString())
	}
	if sc.HasTraceID() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return slog.Default().With(args...)
}
