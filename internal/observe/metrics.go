// Package observe holds the pitchfusion instruments, span and logger helpers,
// and the HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and gathered
// into the Prometheus registry set up by [Setup], which serves /metrics.
// [DefaultMetrics] binds to the global provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/Thetason/obiwan-sub003"

// Engine request outcomes recorded on [Metrics.EngineRequests].
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusOpen    = "circuit_open"
)

// Metrics holds the service's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// ChunkDuration tracks end-to-end processing time of one audio chunk
	// (dispatch + fusion + analysis).
	ChunkDuration metric.Float64Histogram

	// EngineDuration tracks per-engine analysis latency. Attribute: engine.
	EngineDuration metric.Float64Histogram

	// EngineRequests counts engine analysis calls. Attributes: engine, status.
	EngineRequests metric.Int64Counter

	// ChunksSkipped counts chunks that produced no fused result. Attribute: reason.
	ChunksSkipped metric.Int64Counter

	// ChordsDetected counts fused results flagged as chords.
	ChordsDetected metric.Int64Counter

	// ActiveSessions tracks the number of recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// EngineHealthy reports the last probe outcome per engine (1 healthy, 0 not).
	EngineHealthy metric.Int64Gauge

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive inference latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkDuration, err = m.Float64Histogram("pitchfusion.chunk.duration",
		metric.WithDescription("Processing latency of one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("pitchfusion.engine.duration",
		metric.WithDescription("Latency of pitch engine analysis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineRequests, err = m.Int64Counter("pitchfusion.engine.requests",
		metric.WithDescription("Pitch engine analysis calls by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSkipped, err = m.Int64Counter("pitchfusion.chunks.skipped",
		metric.WithDescription("Chunks that produced no fused result, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChordsDetected, err = m.Int64Counter("pitchfusion.chords.detected",
		metric.WithDescription("Fused results flagged as chords."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("pitchfusion.active_sessions",
		metric.WithDescription("Number of recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.EngineHealthy, err = m.Int64Gauge("pitchfusion.engine.healthy",
		metric.WithDescription("Last health probe outcome per engine (1 healthy, 0 unhealthy)."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pitchfusion.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEngineCall records one engine analysis call.
func (m *Metrics) RecordEngineCall(ctx context.Context, engine, status string, d time.Duration) {
	m.EngineRequests.Add(ctx, 1, metric.WithAttributes(Attr("engine", engine), Attr("status", status)))
	m.EngineDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("engine", engine)))
}

// RecordChunkSkipped counts a chunk that produced no fused result.
func (m *Metrics) RecordChunkSkipped(ctx context.Context, reason string) {
	m.ChunksSkipped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordEngineHealth records the outcome of one health probe.
func (m *Metrics) RecordEngineHealth(ctx context.Context, engine string, healthy bool) {
	var v int64
	if healthy {
		v = 1
	}
	m.EngineHealthy.Record(ctx, v, metric.WithAttributes(Attr("engine", engine)))
}
