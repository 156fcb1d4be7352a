package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors. A single instance is
// created at startup and threaded through the service wiring.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	ToolCallsTotal    *prometheus.CounterVec
	DecodeFailures    prometheus.Counter
	RepairAttempts    prometheus.Counter
	RedactionsTotal   prometheus.Counter
	ApprovalsTotal    *prometheus.CounterVec
	ActiveProcesses   prometheus.Gauge
	ProcessKillsTotal *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"status"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a full prompt-to-answer turn.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "decode_failures_total",
			Help:      "Model outputs that failed protocol decoding.",
		}),
		RepairAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "repair_attempts_total",
			Help:      "Repair round-trips issued after a decode failure.",
		}),
		RedactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "redactions_total",
			Help:      "Secret replacements made across all output paths.",
		}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "approvals_total",
			Help:      "Approval gate outcomes.",
		}, []string{"outcome"}),
		ActiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "process_sessions_active",
			Help:      "Currently running managed process sessions.",
		}),
		ProcessKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "process_kills_total",
			Help:      "Managed processes killed by the runtime, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ToolCallsTotal,
		m.DecodeFailures,
		m.RepairAttempts,
		m.RedactionsTotal,
		m.ApprovalsTotal,
		m.ActiveProcesses,
		m.ProcessKillsTotal,
	)
	return m
}

// NewTestMetrics builds metrics on a throwaway registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// MetricsHandler returns the scrape handler for a gatherer. The serve
// command mounts it at /metrics.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
