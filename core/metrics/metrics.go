package metrics

import "time"

// AllocationResult is the outcome of one allocation service call.
type AllocationResult struct {
	Op        string
	VehicleID string
	JobID     string
	// Outcome is "ok", "noop" or the error code of the failure.
	Outcome  string
	Duration time.Duration
	Time     time.Time
}

// MetricsSink records allocation results for observability purposes.
type MetricsSink interface {
	RecordAllocation(res AllocationResult) error
}

// MoveEvent captures the outcome of a move saga.
type MoveEvent struct {
	JobID    string
	From     string
	To       string
	Outcome  string
	Duration time.Duration
	Time     time.Time
}

// MoveRecorder records move saga outcomes.
type MoveRecorder interface {
	RecordMove(ev MoveEvent) error
}

// DeliveryEvent is one change event observed on the fan-out channel.
type DeliveryEvent struct {
	Kind      string
	VehicleID string
	JobID     string
	Revision  uint64
	// Lag is the time between the commit and the observation.
	Lag  time.Duration
	Time time.Time
}

// DeliveryRecorder records fan-out deliveries.
type DeliveryRecorder interface {
	RecordDelivery(ev DeliveryEvent) error
}

// FleetState summarises the allocation board.
type FleetState struct {
	Vehicles   int
	Jobs       int
	Unassigned int
	Time       time.Time
}

// FleetStateRecorder records board summaries.
type FleetStateRecorder interface {
	RecordFleetState(st FleetState) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordAllocation(AllocationResult) error { return nil }
func (NopSink) RecordMove(MoveEvent) error              { return nil }
func (NopSink) RecordDelivery(DeliveryEvent) error      { return nil }
func (NopSink) RecordFleetState(FleetState) error       { return nil }
