package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: InitProvider replaces the global providers.
func TestInitProvider(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reg := prometheus.NewRegistry()
	spans := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "stagehand-test",
		ServiceVersion: "v0.0.1",
		Instance:       "replica-a",
		Registerer:     reg,
		TraceExporter:  spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordEnqueue(context.Background(), "generation")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "stagehand_queue_enqueued") {
			found = true
		}
	}
	if !found {
		t.Errorf("enqueue counter not exported to the registry")
	}

	_, span := StartSpan(context.Background(), "staging.approve")
	span.End()
	if err := tel.Traces.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(got))
	}
	attrs := got[0].Resource.Set()
	for k, want := range map[attribute.Key]string{
		"service.name":        "stagehand-test",
		"service.version":     "v0.0.1",
		"service.instance.id": "replica-a",
	} {
		if v, _ := attrs.Value(k); v.AsString() != want {
			t.Errorf("resource %s = %q, want %q", k, v.AsString(), want)
		}
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestTraceOptions_SampleRatio(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		ratio float64
		want  int
	}{
		{0, 1}, // resource only, default sampler
		{1, 1}, // out of range, default sampler
		{0.25, 2},
	} {
		if got := len(traceOptions(resource.Empty(), ProviderConfig{SampleRatio: tc.ratio})); got != tc.want {
			t.Errorf("traceOptions(ratio=%v) = %d options, want %d", tc.ratio, got, tc.want)
		}
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(traceOptions(resource.Empty(), ProviderConfig{SampleRatio: 0.000001, TraceExporter: exp})...)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	for range 20 {
		_, span := tp.Tracer("test").Start(context.Background(), "sampled")
		span.End()
	}
	_ = tp.ForceFlush(context.Background())
	if n := len(exp.GetSpans()); n > 1 {
		t.Errorf("exported %d of 20 spans at a near-zero ratio", n)
	}
}
