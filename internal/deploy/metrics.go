package deploy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the orchestrator.
// A nil *Metrics records nothing.
type Metrics struct {
	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	degraded   *prometheus.CounterVec
	running    *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
	reconciled *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "attempts_started_total",
			Help:      "Attempts that acquired the lock and were handed to the executor.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "attempts_finished_total",
			Help:      "Attempts that reached a terminal status.",
		}, []string{"kind", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "lock_conflicts_total",
			Help:      "Start requests rejected because an attempt of the same kind was running.",
		}, []string{"kind"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "persistence_degraded_total",
			Help:      "Attempt updates written to the recovery log instead of the database.",
		}, []string{"kind"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deployer",
			Name:      "attempts_running",
			Help:      "Attempts currently polled by this process.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployer",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8), // 30s to 64m
		}, []string{"kind", "status"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployer",
			Name:      "attempts_reconciled_total",
			Help:      "Stale attempts marked failed by the reconciler.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.started, m.finished, m.conflicts, m.degraded, m.running, m.duration, m.reconciled)
	return m
}

func (m *Metrics) attemptStarted(kind Kind) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(kind)).Inc()
	m.running.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) attemptFinished(kind Kind, status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind), string(status)).Observe(d.Seconds())
}

func (m *Metrics) attemptEnded(kind Kind) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) lockConflict(kind Kind) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) persistenceDegraded(kind Kind) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) attemptReconciled(kind Kind) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(string(kind)).Inc()
}
