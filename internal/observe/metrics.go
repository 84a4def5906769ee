// Package observe provides application-wide observability primitives for
// CacheVoice: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all CacheVoice
// metrics.
const meterName = "github.com/cachevoice/cachevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CacheLookups counts cache lookups. Use with attribute:
	//   attribute.String("reason", ...): exact_hit, fuzzy_hit, miss, ...
	CacheLookups metric.Int64Counter

	// CacheWrites counts audio renderings stored in the cache.
	CacheWrites metric.Int64Counter

	// CacheEvictions counts entries removed by eviction passes.
	CacheEvictions metric.Int64Counter

	// SynthesisDuration tracks upstream synthesis latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	SynthesisDuration metric.Float64Histogram

	// ProviderErrors counts upstream failures by provider.
	ProviderErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech synthesis calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CacheLookups, err = m.Int64Counter("cachevoice.cache.lookups",
		metric.WithDescription("Total cache lookups by outcome reason."),
	); err != nil {
		return nil, err
	}
	if met.CacheWrites, err = m.Int64Counter("cachevoice.cache.writes",
		metric.WithDescription("Total audio renderings stored in the cache."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("cachevoice.cache.evictions",
		metric.WithDescription("Total entries removed by eviction passes."),
	); err != nil {
		return nil, err
	}

	if met.SynthesisDuration, err = m.Float64Histogram("cachevoice.synthesis.duration",
		metric.WithDescription("Latency of upstream text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("cachevoice.provider.errors",
		metric.WithDescription("Total upstream synthesis failures by provider."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cachevoice.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordLookup records a cache lookup outcome.
func (m *Metrics) RecordLookup(ctx context.Context, reason string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSynthesis records one upstream synthesis call.
func (m *Metrics) RecordSynthesis(ctx context.Context, provider, status string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one upstream failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
