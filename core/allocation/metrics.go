package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operations      *prometheus.CounterVec
	opLatency       *prometheus.HistogramVec
	publishFailures *prometheus.CounterVec
	moveOutcomes    *prometheus.CounterVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec) {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_operations_total",
			Help: "Number of allocation service calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocation_operation_seconds",
			Help:    "Duration of allocation service calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	pub := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_publish_failures_total",
			Help: "Number of committed change events the fan-out rejected",
		},
		[]string{"kind"},
	)
	mv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_move_outcomes_total",
			Help: "Outcomes of the unassign-then-assign move saga",
		},
		[]string{"outcome"},
	)
	return ops, lat, pub, mv
}

func init() {
	operations, opLatency, publishFailures, moveOutcomes = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers allocation metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(operations, opLatency, publishFailures, moveOutcomes)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	operations, opLatency, publishFailures, moveOutcomes = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
