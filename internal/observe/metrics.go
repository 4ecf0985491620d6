// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the time from utterance end to the last final.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks how long a reply takes to be spoken.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a whole conversational turn. Use with attribute:
	//   attribute.String("trigger", ...)
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Triggers counts submitted triggers. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("outcome", "accepted"|"dropped")
	Triggers metric.Int64Counter

	// Turns counts finished turns. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("result", "spoken"|"command"|"silent"|"error")
	Turns metric.Int64Counter

	// ParseFailures counts model replies that could not be parsed.
	ParseFailures metric.Int64Counter

	// Attachments counts canvas captures stored in the ring buffer.
	Attachments metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveVoiceLinks tracks the number of joined voice channels.
	ActiveVoiceLinks metric.Int64UpDownCounter

	// IngressConnections tracks open browser-extension websocket connections.
	IngressConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets stretches further than latencyBuckets: a turn includes
// speaking the whole reply.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxrelay.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription after an utterance ends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxrelay.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxrelay.tts.duration",
		metric.WithDescription("Time to speak one reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxrelay.turn.duration",
		metric.WithDescription("Duration of a conversational turn by trigger kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxrelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("voxrelay.triggers",
		metric.WithDescription("Total submitted triggers by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxrelay.turns",
		metric.WithDescription("Total finished turns by trigger kind and result."),
	); err != nil {
		return nil, err
	}
	if met.ParseFailures, err = m.Int64Counter("voxrelay.reply.parse_failures",
		metric.WithDescription("Total model replies that were not valid reply JSON."),
	); err != nil {
		return nil, err
	}
	if met.Attachments, err = m.Int64Counter("voxrelay.attachments",
		metric.WithDescription("Total canvas captures stored for the next turn."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxrelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveVoiceLinks, err = m.Int64UpDownCounter("voxrelay.active_voice_links",
		metric.WithDescription("Number of joined voice channels."),
	); err != nil {
		return nil, err
	}
	if met.IngressConnections, err = m.Int64UpDownCounter("voxrelay.ingress.connections",
		metric.WithDescription("Number of open event ingress websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
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

// RecordTrigger records whether a trigger of the given kind was accepted by
// the relay or dropped because a turn was in flight.
func (m *Metrics) RecordTrigger(ctx context.Context, kind string, accepted bool) {
	outcome := "dropped"
	if accepted {
		outcome = "accepted"
	}
	m.Triggers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTurn records a finished turn and its duration in seconds.
func (m *Metrics) RecordTurn(ctx context.Context, kind, result string, seconds float64) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", kind),
			attribute.String("result", result),
		),
	)
	m.TurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("trigger", kind)))
}
