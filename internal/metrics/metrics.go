// Package metrics provides Prometheus metrics for meshagent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all meshagent metrics.
var Registry = prometheus.NewRegistry()

// AgentMetrics holds all Prometheus metrics for one agent.
// A nil *AgentMetrics is valid and records nothing.
type AgentMetrics struct {
	// Connection cycle
	Cycles      prometheus.Counter
	Rejections  prometheus.Counter
	Disconnects prometheus.Counter

	// Transport
	ConnectAttempts prometheus.Counter
	ConnectRetries  prometheus.Counter
	ConnectFailures prometheus.Counter

	// Negotiation, labels: protocol, outcome
	ProtocolAttempts *prometheus.CounterVec

	// Engine state, one series per state set to 1 for the current state
	EngineState *prometheus.GaugeVec
	Connected   prometheus.Gauge

	// Stream proxy
	StreamBytes      *prometheus.CounterVec // labels: mode
	StreamExports    prometheus.Gauge
	ConnectedSeconds prometheus.Gauge

	// Agent info (constant labels exposed as a gauge)
	AgentInfo *prometheus.GaugeVec // labels: version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given agent name as a constant label.
func InitMetrics(agentName, version string) *AgentMetrics {
	constLabels := prometheus.Labels{
		"agent": agentName,
	}
	factory := promauto.With(Registry)

	m := &AgentMetrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_connection_cycles_total",
			Help:        "Total connection cycles started",
			ConstLabels: constLabels,
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_rejections_total",
			Help:        "Cycles in which the server accepted none of the protocols",
			ConstLabels: constLabels,
		}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_disconnects_total",
			Help:        "Established channels that closed",
			ConstLabels: constLabels,
		}),

		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_connect_attempts_total",
			Help:        "Total TCP connect attempts",
			ConstLabels: constLabels,
		}),
		ConnectRetries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_connect_retries_total",
			Help:        "TCP connect attempts that were retries",
			ConstLabels: constLabels,
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "meshagent_connect_failures_total",
			Help:        "TCP connect attempts that failed",
			ConstLabels: constLabels,
		}),

		ProtocolAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshagent_protocol_attempts_total",
			Help:        "Protocol handshake attempts by protocol and outcome",
			ConstLabels: constLabels,
		}, []string{"protocol", "outcome"}),

		EngineState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meshagent_engine_state",
			Help:        "Current engine state (1 for the active state)",
			ConstLabels: constLabels,
		}, []string{"state"}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "meshagent_connected",
			Help:        "Whether the agent has an established channel (1 = connected)",
			ConstLabels: constLabels,
		}),

		StreamBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshagent_stream_bytes_total",
			Help:        "Bytes moved through remote stream proxies by mode",
			ConstLabels: constLabels,
		}, []string{"mode"}),
		StreamExports: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "meshagent_stream_exports",
			Help:        "Streams currently exported to the server",
			ConstLabels: constLabels,
		}),
		ConnectedSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "meshagent_connected_seconds",
			Help:        "Seconds since the current channel was established",
			ConstLabels: constLabels,
		}),

		AgentInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meshagent_agent_info",
			Help:        "Agent information",
			ConstLabels: constLabels,
		}, []string{"version"}),
	}

	m.AgentInfo.WithLabelValues(version).Set(1)

	return m
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// TrackCycle counts a new connection cycle.
func (m *AgentMetrics) TrackCycle() {
	if m == nil {
		return
	}
	m.Cycles.Inc()
}

// TrackRejection counts a cycle in which every protocol was refused.
func (m *AgentMetrics) TrackRejection() {
	if m == nil {
		return
	}
	m.Rejections.Inc()
}

// TrackConnectAttempt records one dial. retry is zero for the first attempt.
func (m *AgentMetrics) TrackConnectAttempt(retry int, err error) {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
	if retry > 0 {
		m.ConnectRetries.Inc()
	}
	if err != nil {
		m.ConnectFailures.Inc()
	}
}

// TrackProtocolAttempt records the outcome of one protocol handler.
func (m *AgentMetrics) TrackProtocolAttempt(protocol, outcome string) {
	if m == nil {
		return
	}
	m.ProtocolAttempts.WithLabelValues(protocol, outcome).Inc()
}

// TrackState moves the state gauge from one state to another.
func (m *AgentMetrics) TrackState(from, to string, connected bool) {
	if m == nil {
		return
	}
	if from != "" {
		m.EngineState.WithLabelValues(from).Set(0)
	}
	m.EngineState.WithLabelValues(to).Set(1)
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// TrackDisconnect counts a closed channel.
func (m *AgentMetrics) TrackDisconnect() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

// TrackStreamBytes adds n bytes moved in the given proxy mode.
func (m *AgentMetrics) TrackStreamBytes(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamBytes.WithLabelValues(mode).Add(float64(n))
}
