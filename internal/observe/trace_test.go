package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs routes the default logger into a buffer for the rest of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "staging.resolve")
		cid := CorrelationID(ctx)
		span.End()

		if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
			t.Fatalf("correlation ID %q is not a 32 char hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "approval.resolve")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan context carries no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "approval.resolve" {
		t.Fatalf("recorded spans = %v, want one approval.resolve", spans)
	}
	if Tracer() == nil {
		t.Error("Tracer() = nil")
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := tp.Tracer("test").Start(context.Background(), "worker.item")
	defer span.End()
	Logger(ctx).Info("with span")
	out := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWithFields(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	buf := captureLogs(t)

	ctx := WithFields(context.Background(), "world_id", "saltmarsh", "request_id", "r1")
	ctx = WithFields(ctx, "request_id", "r2", "dangling")

	Logger(ctx).Info("decided")
	out := buf.String()
	for _, want := range []string{"world_id=saltmarsh", "request_id=r2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "request_id=r1") || strings.Contains(out, "dangling") {
		t.Errorf("stale or dangling field logged: %s", out)
	}

	_, span := StartSpan(ctx, "approval.resolve")
	span.End()
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var world string
	for _, a := range spans[0].Attributes {
		if a.Key == "world_id" {
			world = a.Value.AsString()
		}
	}
	if world != "saltmarsh" {
		t.Errorf("span world_id = %q, want saltmarsh", world)
	}

	if got := WithFields(ctx); got != ctx {
		t.Error("WithFields without pairs returned a new context")
	}
}
