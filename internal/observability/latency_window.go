package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Per-stage p95 budgets reported next to the measured values.
var stageBudgetsMS = map[string]float64{
	"upstream_connect": 800,
	"first_audio":      1500,
	"reconfigure":      1200,
	"tool_call":        2000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// latencyRing keeps the most recent samples for one stage.
type latencyRing struct {
	buf  []float64
	pos  int
	full bool
}

func (r *latencyRing) add(v float64) {
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *latencyRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

func (r *latencyRing) latest() float64 {
	return r.buf[(r.pos-1+len(r.buf))%len(r.buf)]
}

func (r *latencyRing) summarize(stage string) StageStats {
	n := r.len()
	sorted := slices.Clone(r.buf[:n])
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      round2(r.latest()),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       round2(percentile(sorted, 50)),
		P95MS:       round2(percentile(sorted, 95)),
		P99MS:       round2(percentile(sorted, 99)),
		TargetP95MS: stageBudgetsMS[stage],
	}
}

type latencyWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

// Observe records ms for stage. Negative durations are ignored.
func (w *latencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

// Count bumps a named indicator, e.g. a storage mode transition.
func (w *latencyWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		if r := w.rings[stage]; r.len() > 0 {
			snap.Stages = append(snap.Stages, r.summarize(stage))
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
