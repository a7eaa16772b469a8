// Package observe provides application-wide observability primitives for
// tickerlens: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// the Prometheus registry that [Setup] installs. [DefaultMetrics] binds to the
// global meter provider; tests build their own with [NewMetrics] and a manual
// reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tickerlens metrics.
const meterName = "github.com/MrWong99/tickerlens"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks planner, synthesis and expansion call latency. Use
	// with attribute.String("phase", "plan"|"synthesize"|"expand").
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency by tool name.
	ToolExecutionDuration metric.Float64Histogram

	// MarketDataDuration tracks data-provider HTTP latency by endpoint.
	MarketDataDuration metric.Float64Histogram

	// TranscriptSearchDuration tracks end-to-end searchTranscripts latency.
	TranscriptSearchDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts upstream API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// PlannerIterations counts planner turns across all chats.
	PlannerIterations metric.Int64Counter

	// TranscriptMentions counts mentions returned after global truncation.
	TranscriptMentions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts upstream errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by provider
	// and target state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveChats tracks the number of in-flight chat requests.
	ActiveChats metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM and
// transcript fan-out calls routinely take several seconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
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
		{&met.LLMDuration, "tickerlens.llm.duration", "Latency of LLM calls by phase."},
		{&met.ToolExecutionDuration, "tickerlens.tool_execution.duration", "Latency of tool execution."},
		{&met.MarketDataDuration, "tickerlens.market_data.duration", "Latency of market-data provider requests."},
		{&met.TranscriptSearchDuration, "tickerlens.transcript_search.duration", "Latency of multi-transcript searches."},
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
		{&met.ProviderRequests, "tickerlens.provider.requests", "Upstream API requests by provider, kind and status."},
		{&met.ToolCalls, "tickerlens.tool.calls", "Tool invocations by tool name and status."},
		{&met.PlannerIterations, "tickerlens.planner.iterations", "Planner turns."},
		{&met.TranscriptMentions, "tickerlens.transcript.mentions", "Transcript mentions returned to the planner."},
		{&met.ProviderErrors, "tickerlens.provider.errors", "Upstream errors by provider and kind."},
		{&met.BreakerTransitions, "tickerlens.breaker.transitions", "Circuit breaker state changes by provider and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveChats, err = m.Int64UpDownCounter("tickerlens.active_chats",
		metric.WithDescription("Number of in-flight chat requests."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tickerlens.http.request.duration",
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
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

// RecordLLMDuration records one LLM call of the given phase.
func (m *Metrics) RecordLLMDuration(ctx context.Context, phase string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordBreakerTransition records one breaker state change of provider into
// state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
