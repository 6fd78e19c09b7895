package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lazypower/strata/internal/lock"
)

// Metrics are the engine's Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	locksReclaimed prometheus.Counter
}

// NewMetrics registers the engine's metrics with reg. The active lock gauge
// reads locks at scrape time.
func NewMetrics(reg prometheus.Registerer, locks lock.Manager) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		jobs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Name:      "jobs_total",
			Help:      "Orchestrator jobs by operation and outcome",
		}, []string{"op", "status"}),
		jobDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strata",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of orchestrator jobs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"op"}),
		locksReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "strata",
			Name:      "locks_reclaimed_total",
			Help:      "Stale locks reclaimed by acquisition or cleanup",
		}),
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "strata",
		Name:      "locks_active",
		Help:      "Locks currently held",
	}, func() float64 {
		return float64(len(locks.Status()))
	})
	return m
}

func (m *Metrics) observeJob(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(op, status).Inc()
	m.jobDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) lockReclaimed(n int) {
	if m == nil {
		return
	}
	m.locksReclaimed.Add(float64(n))
}
