// Package observe provides application-wide observability primitives for
// voxtalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxtalk metrics.
const meterName = "github.com/MrWong99/voxtalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks recognition latency, submit through terminal poll.
	ASRDuration metric.Float64Histogram

	// ASRPollAttempts records how many poll requests a recognition task
	// needed. Use with attribute:
	//   attribute.String("status", ...)
	ASRPollAttempts metric.Int64Histogram

	// LLMDuration tracks the time from request to the last streamed fragment.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency.
	TTSDuration metric.Float64Histogram

	// UploadDuration tracks object storage upload latency.
	UploadDuration metric.Float64Histogram

	// VoiceTurnDuration tracks end-to-end voice turn latency.
	VoiceTurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// VoiceTurns counts finished voice turns. Use with attribute:
	//   attribute.String("outcome", ...) ("ok" or an error kind)
	VoiceTurns metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of voice and text turns in flight.
	ActiveTurns metric.Int64UpDownCounter

	// SnapshotSessions reports the number of sessions in the last loaded or
	// flushed snapshot.
	SnapshotSessions metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Recognition
// polls in 5 s steps, so the upper range reaches well past a minute.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 150,
}

// attemptBuckets covers the 1..30 poll attempt range.
var attemptBuckets = []float64{1, 2, 3, 5, 10, 20, 30}

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
		{&met.ASRDuration, "voxtalk.asr.duration", "Latency of speech recognition, submit through terminal status."},
		{&met.LLMDuration, "voxtalk.llm.duration", "Latency of a streamed LLM completion."},
		{&met.TTSDuration, "voxtalk.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.UploadDuration, "voxtalk.upload.duration", "Latency of object storage uploads."},
		{&met.VoiceTurnDuration, "voxtalk.voice_turn.duration", "End-to-end latency of a voice turn."},
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

	if met.ASRPollAttempts, err = m.Int64Histogram("voxtalk.asr.poll_attempts",
		metric.WithDescription("Poll requests needed per recognition task."),
		metric.WithExplicitBucketBoundaries(attemptBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxtalk.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxtalk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.VoiceTurns, err = m.Int64Counter("voxtalk.voice_turns",
		metric.WithDescription("Total finished voice turns by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveTurns, err = m.Int64UpDownCounter("voxtalk.active_turns",
		metric.WithDescription("Number of voice and text turns in flight."),
	); err != nil {
		return nil, err
	}
	if met.SnapshotSessions, err = m.Int64Gauge("voxtalk.snapshot.sessions",
		metric.WithDescription("Sessions contained in the last loaded or flushed snapshot."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxtalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordVoiceTurn records the outcome and latency of a finished voice turn.
func (m *Metrics) RecordVoiceTurn(ctx context.Context, outcome string, seconds float64) {
	m.VoiceTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.VoiceTurnDuration.Record(ctx, seconds)
}
