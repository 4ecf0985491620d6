package observe

import (
	"context"
	"testing"

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

// sumWhere adds up every int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	var total int64
	matched := false
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
			matched = true
		}
	}
	if !matched {
		t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxrelay.stt.duration", m.STTDuration},
		{"voxrelay.llm.duration", m.LLMDuration},
		{"voxrelay.tts.duration", m.TTSDuration},
		{"voxrelay.turn.duration", m.TurnDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
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
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini", "llm", "ok")
	m.RecordProviderRequest(ctx, "gemini", "llm", "ok")
	m.RecordProviderRequest(ctx, "gemini", "llm", "error")
	m.RecordProviderError(ctx, "deepgram", "stt")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxrelay.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxrelay.provider.errors", "kind", "stt"); got != 1 {
		t.Errorf("stt errors = %d, want 1", got)
	}
}

func TestTriggerAndTurnCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTrigger(ctx, "speech", true)
	m.RecordTrigger(ctx, "speech", false)
	m.RecordTrigger(ctx, "idle", false)
	m.RecordTurn(ctx, "speech", "spoken", 1.5)
	m.RecordTurn(ctx, "speech", "silent", 0.4)
	m.RecordTurn(ctx, "external", "command", 0.8)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxrelay.triggers", "outcome", "dropped"); got != 2 {
		t.Errorf("dropped triggers = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxrelay.triggers", "trigger", "speech"); got != 2 {
		t.Errorf("speech triggers = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxrelay.turns", "result", "command"); got != 1 {
		t.Errorf("command turns = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxrelay.turns", "trigger", "speech"); got != 2 {
		t.Errorf("speech turns = %d, want 2", got)
	}

	met := findMetric(rm, "voxrelay.turn.duration")
	if met == nil {
		t.Fatal("turn duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("turn duration samples = %d, want 3", total)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveVoiceLinks.Add(ctx, 1)
	m.ActiveVoiceLinks.Add(ctx, 1)
	m.ActiveVoiceLinks.Add(ctx, -1)
	m.IngressConnections.Add(ctx, 3)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"voxrelay.active_voice_links", 1},
		{"voxrelay.ingress.connections", 3},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
