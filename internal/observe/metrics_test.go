package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying attrs.
func sumFor(t *testing.T, met *metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"pitchfusion.chunk.duration", m.ChunkDuration},
		{"pitchfusion.engine.duration", m.EngineDuration},
		{"pitchfusion.http.request.duration", m.HTTPRequestDuration},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.34)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
				t.Errorf("data points = %+v, want one with count 2", hist.DataPoints)
			}
		})
	}
}

func TestRecordEngineCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEngineCall(ctx, "crepe", StatusOK, 20*time.Millisecond)
	m.RecordEngineCall(ctx, "crepe", StatusOK, 30*time.Millisecond)
	m.RecordEngineCall(ctx, "spice", StatusTimeout, 3*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "pitchfusion.engine.requests")
	if met == nil {
		t.Fatal("engine.requests not found")
	}
	if got := sumFor(t, met, Attr("engine", "crepe"), Attr("status", StatusOK)); got != 2 {
		t.Errorf("crepe ok = %d, want 2", got)
	}
	if got := sumFor(t, met, Attr("engine", "spice"), Attr("status", StatusTimeout)); got != 1 {
		t.Errorf("spice timeout = %d, want 1", got)
	}
	if findMetric(rm, "pitchfusion.engine.duration") == nil {
		t.Error("engine.duration not recorded")
	}
}

func TestRecordChunkSkipped(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordChunkSkipped(context.Background(), "decode")
	m.RecordChunkSkipped(context.Background(), "no_result")
	m.RecordChunkSkipped(context.Background(), "decode")

	met := findMetric(collect(t, reader), "pitchfusion.chunks.skipped")
	if met == nil {
		t.Fatal("chunks.skipped not found")
	}
	if got := sumFor(t, met, Attr("reason", "decode")); got != 2 {
		t.Errorf("decode = %d, want 2", got)
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ChordsDetected.Add(ctx, 3)

	rm := collect(t, reader)
	if got := sumFor(t, findMetric(rm, "pitchfusion.active_sessions")); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
	if got := sumFor(t, findMetric(rm, "pitchfusion.chords.detected")); got != 3 {
		t.Errorf("chords.detected = %d, want 3", got)
	}
}

func TestRecordEngineHealth(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordEngineHealth(context.Background(), "crepe", true)
	m.RecordEngineHealth(context.Background(), "spice", false)

	met := findMetric(collect(t, reader), "pitchfusion.engine.healthy")
	if met == nil {
		t.Fatal("engine.healthy not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("engine.healthy is %T, want Gauge[int64]", met.Data)
	}
	got := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value("engine")
		got[v.AsString()] = dp.Value
	}
	if got["crepe"] != 1 || got["spice"] != 0 {
		t.Errorf("gauge = %v, want crepe=1 spice=0", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
