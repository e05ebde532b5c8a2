package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/fleetalloc/core/metrics"
)

// PromSink records allocation activity in Prometheus metrics.
type PromSink struct {
	results    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	moves      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	lag        prometheus.Histogram
	fleet      *prometheus.GaugeVec
}

// NewPromSink registers the sink metrics on the default Prometheus registerer.
// The /metrics endpoint is served separately by StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// register adds c to reg or returns the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.results, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_results_total",
		Help: "Allocation calls by operation and outcome",
	}, []string{"op", "outcome"})); err != nil {
		return nil, err
	}
	if s.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocation_result_duration_seconds",
		Help:    "Duration of allocation calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})); err != nil {
		return nil, err
	}
	if s.moves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_move_results_total",
		Help: "Move saga results by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if s.deliveries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_events_observed_total",
		Help: "Change events observed on the fan-out channel",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if s.lag, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_event_lag_seconds",
		Help:    "Time between commit and observation of a change event",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})); err != nil {
		return nil, err
	}
	if s.fleet, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_board_size",
		Help: "Entities on the allocation board",
	}, []string{"entity"})); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PromSink) RecordAllocation(r coremetrics.AllocationResult) error {
	s.results.WithLabelValues(r.Op, r.Outcome).Inc()
	s.latency.WithLabelValues(r.Op).Observe(r.Duration.Seconds())
	return nil
}

func (s *PromSink) RecordMove(ev coremetrics.MoveEvent) error {
	s.moves.WithLabelValues(ev.Outcome).Inc()
	return nil
}

func (s *PromSink) RecordDelivery(ev coremetrics.DeliveryEvent) error {
	s.deliveries.WithLabelValues(ev.Kind).Inc()
	if ev.Lag > 0 {
		s.lag.Observe(ev.Lag.Seconds())
	}
	return nil
}

func (s *PromSink) RecordFleetState(st coremetrics.FleetState) error {
	s.fleet.WithLabelValues("vehicles").Set(float64(st.Vehicles))
	s.fleet.WithLabelValues("jobs").Set(float64(st.Jobs))
	s.fleet.WithLabelValues("unassigned_jobs").Set(float64(st.Unassigned))
	return nil
}
