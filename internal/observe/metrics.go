// Package observe provides application-wide observability primitives for the
// listener: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the status server's /metrics route. A package-level default
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

// meterName is the instrumentation scope name used for all listener metrics.
const meterName = "github.com/MrWong99/kaylistener"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
//
// Metrics implements the audio broadcaster's Observer and the wake detector's
// Observer so that both can report without importing this package.
type Metrics struct {
	// --- Audio fan-out ---

	// FramesPublished counts frames received from the input device.
	FramesPublished metric.Int64Counter

	// FramesDropped counts frames discarded for a full subscriber queue. Use
	// with attribute:
	//   attribute.String("subscriber", ...)
	FramesDropped metric.Int64Counter

	// Subscribers tracks the number of live audio subscriptions.
	Subscribers metric.Int64UpDownCounter

	// --- Wake detection ---

	// WakeTriggers counts wake-phrase matches. Use with attribute:
	//   attribute.String("kind", "partial"|"final")
	WakeTriggers metric.Int64Counter

	// --- Recording ---

	// RecorderSessions counts finished recording sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	RecorderSessions metric.Int64Counter

	// RecorderDuration tracks the length of captured recordings.
	RecorderDuration metric.Float64Histogram

	// --- Delivery ---

	// DeliveryAttempts counts upload attempts. Use with attribute:
	//   attribute.String("status", "ok"|"server_error"|"transport_error"|"rejected")
	DeliveryAttempts metric.Int64Counter

	// UploadDuration tracks the latency of single upload attempts.
	UploadDuration metric.Float64Histogram

	// Spooled counts recordings written to the outbox.
	Spooled metric.Int64Counter

	// Flushed counts outbox jobs delivered by a flush pass.
	Flushed metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status-server latency. Use with attributes:
	//   attribute.String("route", "POST /flush"), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for upload
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// recordingBuckets defines histogram bucket boundaries (in seconds) for
// recording lengths up to the two-minute ceiling.
var recordingBuckets = []float64{
	1, 2, 5, 10, 20, 30, 60, 90, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio.
	if met.FramesPublished, err = m.Int64Counter("kaylistener.audio.frames_published",
		metric.WithDescription("Total audio frames received from the input device."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("kaylistener.audio.frames_dropped",
		metric.WithDescription("Total audio frames dropped for a full subscriber queue."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("kaylistener.audio.subscribers",
		metric.WithDescription("Number of live audio subscriptions."),
	); err != nil {
		return nil, err
	}

	// Wake.
	if met.WakeTriggers, err = m.Int64Counter("kaylistener.wake.triggers",
		metric.WithDescription("Total wake-phrase matches by result kind."),
	); err != nil {
		return nil, err
	}

	// Recording.
	if met.RecorderSessions, err = m.Int64Counter("kaylistener.recorder.sessions",
		metric.WithDescription("Total recording sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecorderDuration, err = m.Float64Histogram("kaylistener.recorder.duration",
		metric.WithDescription("Length of captured recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}

	// Delivery.
	if met.DeliveryAttempts, err = m.Int64Counter("kaylistener.delivery.attempts",
		metric.WithDescription("Total upload attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("kaylistener.delivery.upload.duration",
		metric.WithDescription("Latency of single upload attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Spooled, err = m.Int64Counter("kaylistener.delivery.spooled",
		metric.WithDescription("Total recordings written to the outbox."),
	); err != nil {
		return nil, err
	}
	if met.Flushed, err = m.Int64Counter("kaylistener.delivery.flushed",
		metric.WithDescription("Total outbox jobs delivered by a flush pass."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kaylistener.http.request.duration",
		metric.WithDescription("Status server request latency by route and status."),
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

// FramePublished records one frame received from the device.
func (m *Metrics) FramePublished() {
	m.FramesPublished.Add(context.Background(), 1)
}

// FrameDropped records one frame dropped for subscriber.
func (m *Metrics) FrameDropped(subscriber string) {
	m.FramesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("subscriber", subscriber)),
	)
}

// SubscribersChanged adjusts the live subscription gauge.
func (m *Metrics) SubscribersChanged(delta int) {
	m.Subscribers.Add(context.Background(), int64(delta))
}

// WakeTriggered records a wake-phrase match of the given kind.
func (m *Metrics) WakeTriggered(kind string) {
	m.WakeTriggers.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSession records a finished recording session. d is zero for sessions
// that produced no audio.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, d time.Duration) {
	m.RecorderSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if d > 0 {
		m.RecorderDuration.Record(ctx, d.Seconds())
	}
}

// RecordAttempt records one upload attempt with its status and latency.
func (m *Metrics) RecordAttempt(ctx context.Context, status string, d time.Duration) {
	m.DeliveryAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.UploadDuration.Record(ctx, d.Seconds())
}
