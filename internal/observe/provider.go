package observe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig describes the process to the telemetry backends.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Instance tells replicas apart. Default: the host name.
	Instance string

	// SampleRatio is the share of new root traces that are recorded. Zero or
	// anything outside (0, 1) records all of them. Child spans follow their
	// parent's decision.
	SampleRatio float64

	// Registerer receives the Prometheus collector backing /metrics.
	// Default: [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter ships finished spans. Without one, spans still carry
	// trace ids for log correlation but go nowhere.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the SDK providers installed by [InitProvider].
type Telemetry struct {
	Meters *sdkmetric.MeterProvider
	Traces *sdktrace.TracerProvider
}

// Shutdown flushes spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Traces.Shutdown(ctx), t.Meters.Shutdown(ctx))
}

// InitProvider installs global meter and tracer providers for cfg and the
// W3C trace-context propagator. Metrics are exported through Prometheus;
// queue, approval and worker instruments created afterwards by
// [DefaultMetrics] land there.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		Meters: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		Traces: sdktrace.NewTracerProvider(traceOptions(res, cfg)...),
	}
	otel.SetMeterProvider(t.Meters)
	otel.SetTracerProvider(t.Traces)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

func serviceResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "stagehand"
	}
	instance := cfg.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	// No schema URL here: merging with the SDK default would conflict.
	own, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(instance),
		),
	)
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), own)
}

func traceOptions(res *resource.Resource, cfg ProviderConfig) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return opts
}
