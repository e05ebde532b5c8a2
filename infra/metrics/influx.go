package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetalloc/core/metrics"
	"github.com/kilianp07/fleetalloc/infra/logger"
)

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes allocation activity to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAllocation writes one allocation call.
func (s *InfluxSink) RecordAllocation(r coremetrics.AllocationResult) error {
	p := write.NewPointWithMeasurement("allocation_result").
		AddTag("op", r.Op).
		AddTag("outcome", r.Outcome).
		AddTag("component", "allocation_service")
	if r.VehicleID != "" {
		p = p.AddTag("vehicle_id", r.VehicleID)
	}
	if r.JobID != "" {
		p = p.AddTag("job_id", r.JobID)
	}
	p = p.AddField("duration_ms", durationMS(r.Duration)).SetTime(r.Time)
	return s.write(p)
}

// RecordMove writes one move saga outcome.
func (s *InfluxSink) RecordMove(ev coremetrics.MoveEvent) error {
	p := write.NewPointWithMeasurement("allocation_move").
		AddTag("job_id", ev.JobID).
		AddTag("outcome", ev.Outcome).
		AddTag("component", "move_saga").
		AddField("from_vehicle", ev.From).
		AddField("to_vehicle", ev.To).
		AddField("duration_ms", durationMS(ev.Duration)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordDelivery writes one observed change event.
func (s *InfluxSink) RecordDelivery(ev coremetrics.DeliveryEvent) error {
	p := write.NewPointWithMeasurement("allocation_event").
		AddTag("kind", ev.Kind).
		AddTag("component", "fanout")
	if ev.VehicleID != "" {
		p = p.AddTag("vehicle_id", ev.VehicleID)
	}
	if ev.JobID != "" {
		p = p.AddTag("job_id", ev.JobID)
	}
	p = p.AddField("revision", ev.Revision).
		AddField("lag_ms", durationMS(ev.Lag)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordFleetState writes a board summary.
func (s *InfluxSink) RecordFleetState(st coremetrics.FleetState) error {
	p := write.NewPointWithMeasurement("allocation_board").
		AddField("vehicles", st.Vehicles).
		AddField("jobs", st.Jobs).
		AddField("unassigned_jobs", st.Unassigned).
		SetTime(st.Time)
	return s.write(p)
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
