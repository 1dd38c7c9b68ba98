package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Reservations      *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	ProxyCalls        *prometheus.CounterVec
	ProxyLatency      *prometheus.HistogramVec
	Runs              *prometheus.CounterVec
	ReconcileBranches *prometheus.CounterVec
	EnrichmentLookups *prometheus.CounterVec
	ActiveSequences   *prometheus.GaugeVec
	SweepDuration     prometheus.Histogram
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_reservations_total",
			Help: "Rate limit reservations by action and result",
		}, []string{"action", "result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_sequence_transitions_total",
			Help: "Sequence state transitions",
		}, []string{"from", "to"}),
		ProxyCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_proxy_calls_total",
			Help: "Social-graph proxy calls by operation and outcome",
		}, []string{"op", "outcome"}),
		ProxyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_proxy_call_duration_seconds",
			Help:    "Social-graph proxy call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_runs_total",
			Help: "Orchestrator runs by final status",
		}, []string{"status"}),
		ReconcileBranches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_reconcile_total",
			Help: "Contact reconciliation outcomes by branch",
		}, []string{"branch"}),
		EnrichmentLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_enrichment_lookups_total",
			Help: "Email enrichment lookups by outcome",
		}, []string{"outcome"}),
		ActiveSequences: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outreach_sequences",
			Help: "Sequence runs by state as of the last sweep",
		}, []string{"state"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_sweep_duration_seconds",
			Help:    "Duration of one sequencer sweep",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordReservation(action, result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordProxyCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProxyCalls.WithLabelValues(op, outcome).Inc()
	m.ProxyLatency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordReconcile(branch string) {
	if m == nil {
		return
	}
	m.ReconcileBranches.WithLabelValues(branch).Inc()
}

func (m *Metrics) RecordEnrichment(outcome string) {
	if m == nil {
		return
	}
	m.EnrichmentLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetSequences(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.ActiveSequences.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}
