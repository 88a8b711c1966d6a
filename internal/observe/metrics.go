// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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
const meterName = "github.com/yobell-ai/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionReadyDuration tracks the time from session.update(greeting) to
	// session.updated.
	SessionReadyDuration metric.Float64Histogram

	// CallDuration tracks total call length.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts finished calls. Use with attribute:
	//   attribute.String("reason", ...)
	Calls metric.Int64Counter

	// BargeIns counts barge-in outcomes. Use with attribute:
	//   attribute.String("outcome", ...) — confirmed, cancelled,
	//   ignored_greeting_phase, ignored_audio_almost_finished.
	BargeIns metric.Int64Counter

	// ToolCalls counts finalize_reservation invocations. Use with attribute:
	//   attribute.String("status", ...) — ok, deduped, not_confirmed,
	//   missing_fields, system.
	ToolCalls metric.Int64Counter

	// AudioBytes counts µ-law bytes bridged. Use with attribute:
	//   attribute.String("direction", ...) — in (caller→model),
	//   out (model→caller).
	AudioBytes metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently bridged.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sessionReadyBuckets covers the 3 s session-ready deadline with sub-100 ms
// resolution at the low end.
var sessionReadyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5,
}

// callDurationBuckets covers typical reservation call lengths in seconds.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 180, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionReadyDuration, err = m.Float64Histogram("voicebridge.session_ready.duration",
		metric.WithDescription("Time from greeting session.update to session.updated."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionReadyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Total call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("voicebridge.calls",
		metric.WithDescription("Total finished calls by end reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicebridge.barge_ins",
		metric.WithDescription("Total barge-in events by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicebridge.tool.calls",
		metric.WithDescription("Total finalize_reservation invocations by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voicebridge.audio.bytes",
		metric.WithDescription("Total µ-law audio bytes bridged by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of calls currently bridged."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// CallRecorder adapts [Metrics] to the bridge's per-call metrics interface.
// The bridge has no request context, so measurements are recorded against
// the background context.
type CallRecorder struct {
	M *Metrics
}

func (r CallRecorder) CallStarted() {
	r.M.ActiveCalls.Add(context.Background(), 1)
}

func (r CallRecorder) CallEnded(duration time.Duration, reason string) {
	ctx := context.Background()
	r.M.ActiveCalls.Add(ctx, -1)
	r.M.Calls.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.M.CallDuration.Record(ctx, duration.Seconds())
}

func (r CallRecorder) SessionReady(d time.Duration) {
	r.M.SessionReadyDuration.Record(context.Background(), d.Seconds())
}

func (r CallRecorder) BargeIn(outcome string) {
	r.M.BargeIns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r CallRecorder) ToolCall(status string) {
	r.M.ToolCalls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

func (r CallRecorder) AudioBytes(direction string, n int) {
	r.M.AudioBytes.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("direction", direction)))
}
