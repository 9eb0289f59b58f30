// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge
// metrics.
const meterName = "github.com/voicebridge/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AnalyticsDuration tracks per-task analytics collaborator latency. Use
	// with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AnalyticsDuration metric.Float64Histogram

	// SummaryPersistDuration tracks end-of-call summarise-and-persist latency.
	SummaryPersistDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts relayed audio frames. Use with attribute:
	//   attribute.String("direction", ...) — "customer_in", "ai_out",
	//   "supervisor_in".
	AudioFrames metric.Int64Counter

	// Sentences counts finalized transcript sentences by role.
	Sentences metric.Int64Counter

	// Takeovers counts supervisor takeovers.
	Takeovers metric.Int64Counter

	// Escalations counts escalation alerts raised across all sessions.
	Escalations metric.Int64Counter

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded metric.Int64Counter

	// DroppedEvents counts supervisor fan-out messages lost to backpressure.
	DroppedEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSupervisors tracks the number of attached supervisor dashboards.
	ActiveSupervisors metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM analytics and database round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalyticsDuration, err = m.Float64Histogram("voicebridge.analytics.duration",
		metric.WithDescription("Latency of analytics collaborator tasks by kind and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryPersistDuration, err = m.Float64Histogram("voicebridge.summary.persist.duration",
		metric.WithDescription("Latency of end-of-call summary computation and persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("voicebridge.audio.frames",
		metric.WithDescription("Relayed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.Sentences, err = m.Int64Counter("voicebridge.transcript.sentences",
		metric.WithDescription("Finalized transcript sentences by role."),
	); err != nil {
		return nil, err
	}
	if met.Takeovers, err = m.Int64Counter("voicebridge.takeovers",
		metric.WithDescription("Supervisor takeovers across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("voicebridge.escalations",
		metric.WithDescription("Escalation alerts raised across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voicebridge.sessions.ended",
		metric.WithDescription("Ended sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("voicebridge.fanout.dropped",
		metric.WithDescription("Supervisor fan-out messages lost to backpressure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSupervisors, err = m.Int64UpDownCounter("voicebridge.active_supervisors",
		metric.WithDescription("Number of attached supervisor dashboards."),
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

// RecordAnalytics records one analytics task with its latency and outcome.
func (m *Metrics) RecordAnalytics(ctx context.Context, kind, status string, d time.Duration) {
	m.AnalyticsDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordAudioFrame counts one relayed audio frame.
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordSentence counts one finalized transcript sentence.
func (m *Metrics) RecordSentence(ctx context.Context, role string) {
	m.Sentences.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordSessionEnd counts one ended session by reason.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDropped counts n supervisor fan-out messages lost to backpressure.
// Intended as a fan-out drop hook.
func (m *Metrics) RecordDropped(n int) {
	m.DroppedEvents.Add(context.Background(), int64(n))
}
