package txmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	begun         prometheus.Counter
	completed     *prometheus.CounterVec
	heuristic     *prometheus.CounterVec
	commitRetries *prometheus.CounterVec
	recovery      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		begun: f.NewCounter(prometheus.CounterOpts{
			Namespace: "xacoord",
			Subsystem: "txmanager",
			Name:      "transactions_begun_total",
			Help:      "Global transactions begun",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xacoord",
			Subsystem: "txmanager",
			Name:      "transactions_completed_total",
			Help:      "Global transactions completed, by outcome and protocol",
		}, []string{"outcome", "protocol"}),
		heuristic: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xacoord",
			Subsystem: "txmanager",
			Name:      "heuristic_outcomes_total",
			Help:      "Branches completed heuristically by a resource manager",
		}, []string{"status"}),
		commitRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xacoord",
			Subsystem: "txmanager",
			Name:      "commit_retries_total",
			Help:      "Two-phase commit retries, by error class",
		}, []string{"class"}),
		recovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xacoord",
			Subsystem: "recovery",
			Name:      "transactions_total",
			Help:      "Transactions handled by recovery, by result",
		}, []string{"result"}),
	}
}

func (m *metrics) observeRecovery(r *RecoveryResult) {
	m.recovery.WithLabelValues("resolved").Add(float64(r.Resolved))
	m.recovery.WithLabelValues("failed").Add(float64(r.Failed))
	m.recovery.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.recovery.WithLabelValues("orphan").Add(float64(r.Orphans))
}
