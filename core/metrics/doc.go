// Package metrics defines the observability contract of the allocation
// engine. A MetricsSink records service results; optional capability
// interfaces (MoveRecorder, DeliveryRecorder, FleetStateRecorder) are
// discovered by type assertion. Sinks are created from configuration through
// a factory registry populated by infra/metrics.
package metrics
