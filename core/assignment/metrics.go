package assignment

import "github.com/prometheus/client_golang/prometheus"

var (
	lockWait       *prometheus.HistogramVec
	lockTimeouts   *prometheus.CounterVec
	commitFailures *prometheus.CounterVec
	storeRevision  prometheus.Gauge
)

func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Gauge) {
	wait := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assignment_lock_wait_seconds",
			Help:    "Time spent waiting for the snapshot gate and entity locks per store operation",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
	timeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_lock_timeouts_total",
			Help: "Number of store operations that gave up waiting for locks",
		},
		[]string{"op"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_commit_failures_total",
			Help: "Number of store commits rejected by the persistence backend",
		},
		[]string{"op", "compensated"},
	)
	rev := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assignment_store_revision",
		Help: "Latest committed store revision",
	})
	return wait, timeouts, failures, rev
}

func init() {
	lockWait, lockTimeouts, commitFailures, storeRevision = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers store metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(lockWait, lockTimeouts, commitFailures, storeRevision)
}

// ResetMetrics reinitializes the collectors for tests and registers them on
// reg when it is not nil.
func ResetMetrics(reg prometheus.Registerer) {
	lockWait, lockTimeouts, commitFailures, storeRevision = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
