// Package observe provides application-wide observability primitives for
// stagehand: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all stagehand metrics.
const meterName = "github.com/MrWong99/stagehand"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks LLM inference latency. Use with attribute:
	//   attribute.String("provider", ...)
	LLMDuration metric.Float64Histogram

	// ResolverDuration tracks how long a staging proposal takes end to end.
	ResolverDuration metric.Float64Histogram

	// WorkerItemDuration tracks the handler time of one generation item. Use
	// with attributes:
	//   attribute.String("worker", ...), attribute.String("status", ...)
	WorkerItemDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// QueueEnqueued counts accepted enqueues. Use with attribute:
	//   attribute.String("queue", ...)
	QueueEnqueued metric.Int64Counter

	// QueueBackpressure counts enqueues rejected because the queue was full.
	QueueBackpressure metric.Int64Counter

	// ApprovalDecisions counts resolved approvals. Use with attributes:
	//   attribute.String("queue", ...), attribute.String("decision", ...)
	ApprovalDecisions metric.Int64Counter

	// InfraRetries counts generation items re-enqueued after a collaborator
	// failure. Use with attribute:
	//   attribute.String("worker", ...)
	InfraRetries metric.Int64Counter

	// NotificationsDelivered counts events handed to a live connection. Use
	// with attribute:
	//   attribute.String("event", ...)
	NotificationsDelivered metric.Int64Counter

	// StagingLookups counts GetOrRequest results. Use with attribute:
	//   attribute.String("result", "ready"|"pending"|"requested")
	StagingLookups metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TerminalFailures counts generation items given up on after exhausting
	// infrastructure retries. Use with attribute:
	//   attribute.String("worker", ...)
	TerminalFailures metric.Int64Counter

	// NotificationsDropped counts deliveries that failed or found no
	// recipient. Use with attributes:
	//   attribute.String("event", ...), attribute.String("reason", ...)
	NotificationsDropped metric.Int64Counter

	// ResolverDegraded counts proposals that fell back to rules only.
	ResolverDegraded metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks items currently held by a queue. Use with attribute:
	//   attribute.String("queue", ...)
	QueueDepth metric.Int64UpDownCounter

	// ActiveConnections tracks live notifier connections. Use with attribute:
	//   attribute.String("role", ...)
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.LLMDuration, "stagehand.llm.duration", "Latency of LLM inference."},
		{&met.ResolverDuration, "stagehand.resolver.duration", "Latency of staging proposals."},
		{&met.WorkerItemDuration, "stagehand.worker.item.duration", "Handler latency of generation items by worker and status."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "stagehand.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.QueueEnqueued, "stagehand.queue.enqueued", "Total accepted enqueues by queue."},
		{&met.QueueBackpressure, "stagehand.queue.backpressure", "Total enqueues rejected by a full queue."},
		{&met.ApprovalDecisions, "stagehand.approval.decisions", "Total approval resolutions by queue and decision."},
		{&met.InfraRetries, "stagehand.worker.infra_retries", "Total generation items re-enqueued after a failure."},
		{&met.NotificationsDelivered, "stagehand.notify.delivered", "Total notifications delivered by event."},
		{&met.StagingLookups, "stagehand.staging.lookups", "Total staging lookups by result."},
		{&met.ProviderErrors, "stagehand.provider.errors", "Total provider errors by provider and kind."},
		{&met.TerminalFailures, "stagehand.worker.terminal_failures", "Total generation items that exhausted their retries."},
		{&met.NotificationsDropped, "stagehand.notify.dropped", "Total notifications dropped by event and reason."},
		{&met.ResolverDegraded, "stagehand.resolver.degraded", "Total staging proposals degraded to rules only."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("stagehand.queue.depth",
		metric.WithDescription("Number of items currently held by a queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("stagehand.notify.connections",
		metric.WithDescription("Number of live notifier connections by role."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("stagehand.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordEnqueue records an accepted enqueue and bumps the queue depth.
func (m *Metrics) RecordEnqueue(ctx context.Context, queue string) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.QueueEnqueued.Add(ctx, 1, attrs)
	m.QueueDepth.Add(ctx, 1, attrs)
}

// RecordDequeue lowers the queue depth by n.
func (m *Metrics) RecordDequeue(ctx context.Context, queue string, n int) {
	m.QueueDepth.Add(ctx, -int64(n), metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordBackpressure records an enqueue rejected by a full queue.
func (m *Metrics) RecordBackpressure(ctx context.Context, queue string) {
	m.QueueBackpressure.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDecision records one approval resolution.
func (m *Metrics) RecordDecision(ctx context.Context, queue, decision string) {
	m.ApprovalDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("decision", decision),
		),
	)
}

// RecordNotification records a delivered or dropped notification. reason is
// ignored when delivered is true.
func (m *Metrics) RecordNotification(ctx context.Context, event string, delivered bool, reason string) {
	if delivered {
		m.NotificationsDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
		return
	}
	m.NotificationsDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("reason", reason),
		),
	)
}

// RecordStagingLookup records one GetOrRequest result.
func (m *Metrics) RecordStagingLookup(ctx context.Context, result string) {
	m.StagingLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RoleAttr returns the measurement option for a connection role.
func RoleAttr(role string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("role", role))
}

// ProviderAttr returns the measurement option for a provider name.
func ProviderAttr(provider string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", provider))
}
