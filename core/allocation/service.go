// Package allocation implements the allocation service: assignment
// operations with their invariants on top of the assignment store, change
// event publication after every durable commit, and the move saga.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/logger"
	"github.com/kilianp07/fleetalloc/core/metrics"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/monitoring"
)

// Service exposes the allocation operations.
type Service struct {
	store *assignment.Store
	pub   fanout.Publisher
	cfg   Config
	log   logger.Logger

	mu    sync.RWMutex
	audit audit.Store
	sink  metrics.MetricsSink
}

// NewService wires the service on store. Every commit of the store is
// published on pub from then on.
func NewService(store *assignment.Store, pub fanout.Publisher, cfg Config, log logger.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if pub == nil {
		pub = fanout.NopPublisher{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   logger.OrNop(log),
		audit: audit.NopStore{},
		sink:  metrics.NopSink{},
	}
	store.OnCommit(s.onCommit)
	return s, nil
}

// SetAuditStore configures where committed events are recorded.
func (s *Service) SetAuditStore(a audit.Store) {
	if a == nil {
		a = audit.NopStore{}
	}
	s.mu.Lock()
	s.audit = a
	s.mu.Unlock()
}

// SetMetricsSink configures the sink receiving operation results.
func (s *Service) SetMetricsSink(m metrics.MetricsSink) {
	if m == nil {
		m = metrics.NopSink{}
	}
	s.mu.Lock()
	s.sink = m
	s.mu.Unlock()
}

func (s *Service) deps() (audit.Store, metrics.MetricsSink) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audit, s.sink
}

// onCommit runs under the store locks of the commit.
func (s *Service) onCommit(ctx context.Context, evs []events.ChangeEvent) {
	for _, ev := range evs {
		if err := s.pub.Publish(ctx, ev); err != nil {
			publishFailures.WithLabelValues(string(ev.Kind)).Inc()
			terr := fmt.Errorf("publish %s: %w: %w", ev, model.ErrTransport, err)
			s.log.Warnw("publish failed", map[string]any{"event": ev.String(), "error": err.Error()})
			monitoring.CaptureException(terr, map[string]string{"component": "allocation", "kind": string(ev.Kind)})
		}
	}
	a, _ := s.deps()
	if err := a.Append(ctx, audit.FromEvents(evs)...); err != nil {
		s.log.Errorf("audit append failed for %d events: %v", len(evs), err)
	}
}

func (s *Service) observe(op, vehicleID, jobID string, start time.Time, changed bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = model.ErrorCode(err)
		if errors.Is(err, assignment.ErrInvalid) {
			outcome = "invalid"
		}
	case !changed:
		outcome = "noop"
	}
	d := time.Since(start)
	operations.WithLabelValues(op, outcome).Inc()
	opLatency.WithLabelValues(op).Observe(d.Seconds())
	if errors.Is(err, model.ErrStorage) {
		s.log.Errorf("%s vehicle=%s job=%s: %v", op, vehicleID, jobID, err)
		monitoring.CaptureException(err, map[string]string{"component": "allocation", "op": op})
	} else if err != nil {
		s.log.Debugw(op+" rejected", map[string]any{"vehicle": vehicleID, "job": jobID, "error": err.Error()})
	}
	_, sink := s.deps()
	if serr := sink.RecordAllocation(metrics.AllocationResult{
		Op: op, VehicleID: vehicleID, JobID: jobID, Outcome: outcome, Duration: d, Time: start,
	}); serr != nil {
		s.log.Debugf("metrics sink: %v", serr)
	}
}

// Assign places the job on the vehicle and returns the updated vehicle. A
// previous assignment elsewhere is removed in the same step; assigning to
// the current vehicle is a no-op that publishes nothing.
func (s *Service) Assign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error) {
	return s.AssignIfVersion(ctx, vehicleID, jobID, assignment.AnyVersion)
}

// AssignIfVersion is Assign with a precondition on the job version; a
// mismatch is ErrConflict.
func (s *Service) AssignIfVersion(ctx context.Context, vehicleID, jobID string, version uint64) (model.Vehicle, error) {
	start := time.Now()
	res, err := s.store.Assign(ctx, vehicleID, jobID, version)
	s.observe("assign", vehicleID, jobID, start, res.Changed, err)
	if err != nil {
		return model.Vehicle{}, err
	}
	return res.Vehicle, nil
}

// Unassign removes the job from the vehicle. ErrNotFound is returned when
// the job is not currently on that vehicle.
func (s *Service) Unassign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error) {
	return s.UnassignIfVersion(ctx, vehicleID, jobID, assignment.AnyVersion)
}

// UnassignIfVersion is Unassign with a precondition on the job version.
func (s *Service) UnassignIfVersion(ctx context.Context, vehicleID, jobID string, version uint64) (model.Vehicle, error) {
	start := time.Now()
	res, err := s.store.Unassign(ctx, vehicleID, jobID, version)
	s.observe("unassign", vehicleID, jobID, start, res.Changed, err)
	if err != nil {
		return model.Vehicle{}, err
	}
	return res.Vehicle, nil
}

// Move runs the move saga with the configured policy.
func (s *Service) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	start := time.Now()
	res, err := Move(ctx, s, req, s.cfg.MovePolicy)
	moveOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == MoveLeftUnassigned {
		s.log.Warnf("move of job %s from %s to %s left it unassigned: %v", req.JobID, req.From, req.To, err)
	}
	_, sink := s.deps()
	if r, ok := sink.(metrics.MoveRecorder); ok {
		_ = r.RecordMove(metrics.MoveEvent{
			JobID: req.JobID, From: req.From, To: req.To, Outcome: string(res.Outcome),
			Duration: time.Since(start), Time: start,
		})
	}
	return res, err
}

// Policy returns the configured move policy.
func (s *Service) Policy() MovePolicy { return s.cfg.MovePolicy }

// Snapshot returns a consistent copy of the allocation state.
func (s *Service) Snapshot(ctx context.Context) (model.Snapshot, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	_, sink := s.deps()
	if r, ok := sink.(metrics.FleetStateRecorder); ok {
		st := metrics.FleetState{Vehicles: len(snap.Vehicles), Jobs: len(snap.Jobs), Time: snap.TakenAt}
		for _, j := range snap.Jobs {
			if !j.Assigned() {
				st.Unassigned++
			}
		}
		_ = r.RecordFleetState(st)
	}
	return snap, nil
}

// Vehicle returns one vehicle.
func (s *Service) Vehicle(id string) (model.Vehicle, error) { return s.store.Vehicle(id) }

// Job returns one job.
func (s *Service) Job(id string) (model.Job, error) { return s.store.Job(id) }

// JobsForVehicle returns the jobs on the vehicle in display order, filtered
// by status when statuses are given.
func (s *Service) JobsForVehicle(vehicleID string, statuses ...model.JobStatus) ([]model.Job, error) {
	v, err := s.store.Vehicle(vehicleID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(v.AssignedJobIDs))
	for _, id := range v.AssignedJobIDs {
		j, err := s.store.Job(id)
		if err != nil {
			continue
		}
		if matchStatus(j.Status, statuses) {
			out = append(out, j)
		}
	}
	return out, nil
}

func matchStatus(s model.JobStatus, want []model.JobStatus) bool {
	if len(want) == 0 {
		return true
	}
	s = s.Canonical()
	for _, w := range want {
		if s == w.Canonical() {
			return true
		}
	}
	return false
}

// PutVehicle creates or updates a vehicle.
func (s *Service) PutVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, bool, error) {
	start := time.Now()
	out, created, err := s.store.PutVehicle(ctx, v)
	s.observe("put_vehicle", v.ID, "", start, true, err)
	return out, created, err
}

// DeleteVehicle unassigns the vehicle's jobs and removes it.
func (s *Service) DeleteVehicle(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.store.DeleteVehicle(ctx, id)
	s.observe("delete_vehicle", id, "", start, true, err)
	return err
}

// PutJob creates or updates a job.
func (s *Service) PutJob(ctx context.Context, j model.Job) (model.Job, bool, error) {
	start := time.Now()
	out, created, err := s.store.PutJob(ctx, j)
	s.observe("put_job", "", j.ID, start, true, err)
	return out, created, err
}

// DeleteJob unassigns the job if needed and removes it.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.store.DeleteJob(ctx, id)
	s.observe("delete_job", "", id, start, true, err)
	return err
}

// SetJobStatus records the driver-reported status of a job.
func (s *Service) SetJobStatus(ctx context.Context, id string, status model.JobStatus) (model.Job, error) {
	start := time.Now()
	j, err := s.store.SetJobStatus(ctx, id, status)
	s.observe("set_job_status", j.AssignedVehicleID, id, start, true, err)
	return j, err
}

// AuditLog queries the committed event log.
func (s *Service) AuditLog(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	a, _ := s.deps()
	return a.Query(ctx, q)
}
