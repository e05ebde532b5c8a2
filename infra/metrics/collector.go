package metrics

import (
	"context"
	"time"

	"github.com/kilianp07/fleetalloc/core/fanout"
	coremetrics "github.com/kilianp07/fleetalloc/core/metrics"
)

// StartEventCollector subscribes to the fan-out channel and records every
// observed change event on sinks implementing DeliveryRecorder. It stops
// when the context is canceled.
func StartEventCollector(ctx context.Context, sub fanout.Subscriber, sink coremetrics.MetricsSink) error {
	rec, ok := sink.(coremetrics.DeliveryRecorder)
	if sub == nil || !ok {
		return nil
	}
	s, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer func() { _ = s.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Resync():
				// nothing to catch up on; counts are best effort
			case ev, ok := <-s.Events():
				if !ok {
					return
				}
				now := time.Now()
				var lag time.Duration
				if !ev.At.IsZero() {
					lag = now.Sub(ev.At)
				}
				_ = rec.RecordDelivery(coremetrics.DeliveryEvent{
					Kind:      string(ev.Kind),
					VehicleID: ev.VehicleID,
					JobID:     ev.JobID,
					Revision:  ev.Revision,
					Lag:       lag,
					Time:      now,
				})
			}
		}
	}()
	return nil
}
