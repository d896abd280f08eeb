package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe("reconfigure", 500)
	w.Observe("reconfigure", 700)
	w.Observe("reconfigure", 900)
	w.Observe("reconfigure", -1)
	w.Count("storage_mode_false")
	w.Count("storage_mode_false")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.P50MS != 700 || s.LastMS != 900 {
		t.Fatalf("P50MS = %.2f LastMS = %.2f, want 700 and 900", s.P50MS, s.LastMS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %.2f, want 1200", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one indicator counted twice", snap.Indicators)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cases := []struct {
		p    float64
		want float64
	}{
		{50, 5},
		{95, 10},
		{10, 1},
		{0, 1},
	}
	for _, tc := range cases {
		if got := percentile(sorted, tc.p); got != tc.want {
			t.Fatalf("percentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestLatencyWindowKeepsRecentSamples(t *testing.T) {
	w := newLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("tool_call", v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 || s.LastMS != 30 {
		t.Fatalf("stats = %+v, want 2 samples averaging 25 with last 30", s)
	}
}

func TestMetricsRecordTokensAndMode(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveTokens("gpt-4o", 10, 20, 4)
	m.ObserveTokens("gpt-4o", 5, 0, 0)
	m.SetStorageDurable(false)
	m.ObserveToolCall("GetWeather", "ok", 40*time.Millisecond)

	if got := testutil.ToFloat64(m.Tokens.WithLabelValues("gpt-4o", "input")); got != 15 {
		t.Fatalf("input tokens = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.StorageDurable); got != 0 {
		t.Fatalf("storage durable = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("GetWeather", "ok")); got != 1 {
		t.Fatalf("tool calls = %v, want 1", got)
	}
	if len(m.LatencySnapshot().Stages) != 1 {
		t.Fatalf("expected tool_call stage in latency snapshot")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionEvent("x")
	m.ObserveTokens("m", 1, 1, 1)
	m.SetStorageDurable(true)
	if snap := m.LatencySnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", snap)
	}
}
