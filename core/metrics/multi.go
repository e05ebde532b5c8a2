package metrics

import "errors"

// MultiSink fans records out to several sinks. Every sink is called; the
// returned error joins the individual failures.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordAllocation(res AllocationResult) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordAllocation(res))
	}
	return errors.Join(errs...)
}

// RecordMove forwards to sinks implementing MoveRecorder.
func (m *MultiSink) RecordMove(ev MoveEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(MoveRecorder); ok {
			errs = append(errs, r.RecordMove(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordDelivery forwards to sinks implementing DeliveryRecorder.
func (m *MultiSink) RecordDelivery(ev DeliveryEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(DeliveryRecorder); ok {
			errs = append(errs, r.RecordDelivery(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordFleetState forwards to sinks implementing FleetStateRecorder.
func (m *MultiSink) RecordFleetState(st FleetState) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(FleetStateRecorder); ok {
			errs = append(errs, r.RecordFleetState(st))
		}
	}
	return errors.Join(errs...)
}
