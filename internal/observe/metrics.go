// Package observe provides application-wide observability primitives for
// Oratio: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Oratio metrics.
const meterName = "github.com/oratio-audio/oratio"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks adapter synthesis latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// ResultLag tracks time from result pop to fully processed in the
	// result consumer.
	ResultLag metric.Float64Histogram

	// --- Counters ---

	// JobsEnqueued counts accepted synthesis jobs by model.
	JobsEnqueued metric.Int64Counter

	// ResultsProcessed counts results by terminal status
	// (cached, skipped, error, duplicate).
	ResultsProcessed metric.Int64Counter

	// BillingEvents counts billing outcomes by status (recorded, dropped).
	BillingEvents metric.Int64Counter

	// CacheLookups counts request-path cache membership checks by outcome
	// (hit, miss).
	CacheLookups metric.Int64Counter

	// JobsRequeued counts visibility-timeout recoveries by model.
	JobsRequeued metric.Int64Counter

	// JobsDeadLettered counts jobs that exhausted their retry budget.
	JobsDeadLettered metric.Int64Counter

	// OverflowDispatches counts jobs spilled to serverless by model.
	OverflowDispatches metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live playback websockets.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for synthesis latencies, from warm local inference to serverless cold
// starts.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("oratio.synthesis.duration",
		metric.WithDescription("Latency of one adapter synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResultLag, err = m.Float64Histogram("oratio.result.processing_duration",
		metric.WithDescription("Time spent processing one result in the hot consumer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsEnqueued, err = m.Int64Counter("oratio.jobs.enqueued",
		metric.WithDescription("Total synthesis jobs accepted, by model."),
	); err != nil {
		return nil, err
	}
	if met.ResultsProcessed, err = m.Int64Counter("oratio.results.processed",
		metric.WithDescription("Total results by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.BillingEvents, err = m.Int64Counter("oratio.billing.events",
		metric.WithDescription("Total billing events by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("oratio.cache.lookups",
		metric.WithDescription("Request-path cache membership checks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.JobsRequeued, err = m.Int64Counter("oratio.jobs.requeued",
		metric.WithDescription("Jobs recovered by the visibility scanner, by model."),
	); err != nil {
		return nil, err
	}
	if met.JobsDeadLettered, err = m.Int64Counter("oratio.jobs.dead_lettered",
		metric.WithDescription("Jobs that exhausted their retry budget, by model."),
	); err != nil {
		return nil, err
	}
	if met.OverflowDispatches, err = m.Int64Counter("oratio.overflow.dispatches",
		metric.WithDescription("Jobs spilled to the serverless adapter, by model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("oratio.active_sessions",
		metric.WithDescription("Number of live playback websockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("oratio.http.request.duration",
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

// RecordSynthesis records one adapter call with its latency and outcome.
func (m *Metrics) RecordSynthesis(ctx context.Context, model, status string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordResult records one processed result by terminal status.
func (m *Metrics) RecordResult(ctx context.Context, status string) {
	m.ResultsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBilling records one billing outcome.
func (m *Metrics) RecordBilling(ctx context.Context, status string) {
	m.BillingEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCacheLookup records a request-path membership check.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
