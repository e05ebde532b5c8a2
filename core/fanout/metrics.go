package fanout

import "github.com/prometheus/client_golang/prometheus"

var (
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	resyncs     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec, *prometheus.GaugeVec) {
	del := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_delivered_total",
			Help: "Number of change events handed to local subscribers",
		},
		[]string{"backend", "kind"},
	)
	drop := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_dropped_total",
			Help: "Number of per-subscriber deliveries dropped on a full buffer",
		},
		[]string{"backend"},
	)
	res := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_resync_signals_total",
			Help: "Number of resync signals raised by the backend",
		},
		[]string{"backend"},
	)
	subs := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanout_subscribers",
			Help: "Number of active subscriptions",
		},
		[]string{"backend"},
	)
	return del, drop, res, subs
}

func init() {
	delivered, dropped, resyncs, subscribers = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers fan-out metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(delivered, dropped, resyncs, subscribers)
}

// ResetMetrics reinitializes the collectors for tests.
func ResetMetrics(reg prometheus.Registerer) {
	delivered, dropped, resyncs, subscribers = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
