package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "supportbot"

// Metrics for the turn pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// TurnsTotal counts processed turns.
	// Labels: branch (normal, security), outcome (ok, error, cancelled)
	TurnsTotal *prometheus.CounterVec

	// ThreatsTotal counts screened threats. Labels: kind, level
	ThreatsTotal *prometheus.CounterVec

	// CompletionAttempts observes structured-response attempts per turn.
	CompletionAttempts prometheus.Histogram

	// CompletionFallbacksTotal counts turns answered by the text-splitting fallback.
	// Labels: reason (unparseable, truncated, no_paragraphs)
	CompletionFallbacksTotal *prometheus.CounterVec

	// CompletionErrorsTotal counts transport-level completion failures.
	CompletionErrorsTotal prometheus.Counter

	// ActiveStreams tracks turns currently streaming frames.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts streams stopped by a cancelled request.
	ClientDisconnectsTotal prometheus.Counter

	// MemoryGateTotal counts memory gate decisions. Labels: source (turn, sweep), result (extract, skip)
	MemoryGateTotal *prometheus.CounterVec

	// MemoryJobsTotal counts memory extraction jobs by final status.
	MemoryJobsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (prometheus.DefaultRegisterer in
// production, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "turns",
			Name:      "total",
			Help:      "Turns processed by branch and outcome",
		}, []string{"branch", "outcome"}),

		ThreatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "security",
			Name:      "threats_total",
			Help:      "Adversarial turns detected by kind and level",
		}, []string{"kind", "level"}),

		CompletionAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "completion",
			Name:      "attempts",
			Help:      "Structured-response attempts per turn",
			Buckets:   []float64{1, 2, 3},
		}),

		CompletionFallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "completion",
			Name:      "fallbacks_total",
			Help:      "Turns answered by the text-splitting fallback",
		}, []string{"reason"}),

		CompletionErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "completion",
			Name:      "errors_total",
			Help:      "Transport-level completion service failures",
		}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "streaming",
			Name:      "active_streams",
			Help:      "Turns currently streaming frames",
		}),

		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "streaming",
			Name:      "client_disconnects_total",
			Help:      "Streams stopped because the client went away",
		}),

		MemoryGateTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "gate_decisions_total",
			Help:      "Memory gate decisions by source and result",
		}, []string{"source", "result"}),

		MemoryJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memory",
			Name:      "jobs_total",
			Help:      "Memory extraction jobs by final status",
		}, []string{"status"}),
	}
}

func (m *Metrics) TurnDone(branch, outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(branch, outcome).Inc()
}

func (m *Metrics) Threat(kind, level string) {
	if m == nil {
		return
	}
	m.ThreatsTotal.WithLabelValues(kind, level).Inc()
}

func (m *Metrics) Completion(attempts int, fallbackReason string) {
	if m == nil {
		return
	}
	m.CompletionAttempts.Observe(float64(attempts))
	if fallbackReason != "" {
		m.CompletionFallbacksTotal.WithLabelValues(fallbackReason).Inc()
	}
}

func (m *Metrics) CompletionError() {
	if m == nil {
		return
	}
	m.CompletionErrorsTotal.Inc()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamEnded(disconnected bool) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	if disconnected {
		m.ClientDisconnectsTotal.Inc()
	}
}

func (m *Metrics) Gate(source string, extract bool) {
	if m == nil {
		return
	}
	result := "skip"
	if extract {
		result = "extract"
	}
	m.MemoryGateTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) MemoryJob(status string) {
	if m == nil {
		return
	}
	m.MemoryJobsTotal.WithLabelValues(status).Inc()
}
