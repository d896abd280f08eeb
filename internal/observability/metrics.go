package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	ReconfigLatency   prometheus.Histogram
	FirstAudioLatency prometheus.Histogram
	Tokens            *prometheus.CounterVec
	StorageDurable    prometheus.Gauge
	TelephonyEvents   *prometheus.CounterVec

	stages *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and kind.",
		}, []string{"direction", "kind"}),
		WSWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Client websocket write failures by transport.",
		}, []string{"transport"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound client messages by kind and delivery result.",
		}, []string{"kind", "result"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream provider errors by flavor and code.",
		}, []string{"flavor", "code"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and result.",
		}, []string{"tool", "result"}),
		ToolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool execution latency in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 20000},
		}, []string{"tool"}),
		ReconfigLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconfigure_latency_ms",
			Help:      "Time to swap the upstream session on reconfiguration in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session start to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens accounted by model and kind.",
		}, []string{"model", "kind"}),
		StorageDurable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_durable",
			Help:      "1 when the usage ledger writes to durable storage, 0 in degraded mode.",
		}),
		TelephonyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telephony_events_total",
			Help:      "Call automation webhook events by type.",
		}, []string{"event"}),
		stages: newLatencyWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ObserveWSWriteError(transport string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(transport).Inc()
}

func (m *Metrics) ObserveOutboundMessage(kind, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveUpstreamError(flavor, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.WithLabelValues(flavor, code).Inc()
}

func (m *Metrics) ObserveToolCall(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
	m.stages.Observe("tool_call", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveReconfigure(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconfigLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("reconfigure", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("first_audio", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveUpstreamConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe("upstream_connect", float64(d.Milliseconds()))
}

// ObserveTokens implements ledger.UsageObserver.
func (m *Metrics) ObserveTokens(model string, input, output, cached int64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(model, "input").Add(float64(input))
	m.Tokens.WithLabelValues(model, "output").Add(float64(output))
	m.Tokens.WithLabelValues(model, "cached").Add(float64(cached))
}

func (m *Metrics) SetStorageDurable(durable bool) {
	if m == nil {
		return
	}
	m.StorageDurable.Set(float64(boolToInt(durable)))
	m.stages.Count("storage_mode_" + strconv.FormatBool(durable))
}

func (m *Metrics) ObserveTelephonyEvent(event string) {
	if m == nil {
		return
	}
	m.TelephonyEvents.WithLabelValues(event).Inc()
}

// LatencySnapshot summarizes recent relay stage latencies.
func (m *Metrics) LatencySnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
