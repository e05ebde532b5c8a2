// Package assignment implements the authoritative job to vehicle mapping.
//
// Every mutation runs under per-entity locks (jobs before vehicles, each
// group in sorted order) and a store-wide gate held shared, so mutations on
// disjoint jobs proceed in parallel while Snapshot, holding the gate
// exclusively, never observes a half-applied operation. A mutation either
// commits all of its writes to the Persistence backend or leaves the
// pre-operation state. Commit hooks run after the durable commit and before
// the locks are released, which orders hook invocations per entity.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/logger"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/monitoring"
)

// CommitHook observes the events of every successful commit, in commit
// order per entity. Hooks must not call back into the store.
type CommitHook func(ctx context.Context, evs []events.ChangeEvent)

// Store is the single source of truth for assignments.
type Store struct {
	cfg     Config
	persist Persistence
	log     logger.Logger
	now     func() time.Time

	gate     sync.RWMutex
	locks    *lockTable
	vehicles *xsync.Map[string, model.Vehicle]
	jobs     *xsync.Map[string, model.Job]
	rev      atomic.Uint64

	hookMu sync.RWMutex
	hooks  []CommitHook
}

// New loads every entity from p and returns a ready store. It fails when the
// persisted data breaks the assignment invariant.
func New(ctx context.Context, p Persistence, cfg Config, log logger.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("persistence is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:      cfg,
		persist:  p,
		log:      logger.OrNop(log),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newLockTable(),
		vehicles: xsync.NewMap[string, model.Vehicle](),
		jobs:     xsync.NewMap[string, model.Job](),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	vs, err := s.persist.ListAll(ctx, KindVehicle)
	if err != nil {
		return model.StorageError("list vehicles", err)
	}
	js, err := s.persist.ListAll(ctx, KindJob)
	if err != nil {
		return model.StorageError("list jobs", err)
	}
	var maxRev uint64
	for _, e := range vs {
		if e.Vehicle == nil {
			continue
		}
		s.vehicles.Store(e.Vehicle.ID, e.Vehicle.Clone())
		maxRev = max(maxRev, e.Vehicle.Version)
	}
	for _, e := range js {
		if e.Job == nil {
			continue
		}
		s.jobs.Store(e.Job.ID, *e.Job)
		maxRev = max(maxRev, e.Job.Version)
	}
	s.rev.Store(maxRev)
	storeRevision.Set(float64(maxRev))
	snap := s.collect()
	if err := snap.CheckConsistency(); err != nil {
		return fmt.Errorf("persisted state is inconsistent: %w", err)
	}
	s.log.Infof("store loaded %d vehicles, %d jobs at revision %d", len(snap.Vehicles), len(snap.Jobs), maxRev)
	return nil
}

// OnCommit registers a hook invoked after every successful commit.
func (s *Store) OnCommit(h CommitHook) {
	if h == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hookMu.Unlock()
}

// Revision returns the latest reserved commit revision.
func (s *Store) Revision() uint64 { return s.rev.Load() }

// Vehicle returns the committed vehicle record.
func (s *Store) Vehicle(id string) (model.Vehicle, error) {
	v, ok := s.vehicles.Load(id)
	if !ok {
		return model.Vehicle{}, model.NotFoundf("vehicle %s", id)
	}
	return v.Clone(), nil
}

// Job returns the committed job record.
func (s *Store) Job(id string) (model.Job, error) {
	j, ok := s.jobs.Load(id)
	if !ok {
		return model.Job{}, model.NotFoundf("job %s", id)
	}
	return j, nil
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot(ctx context.Context) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.collect(), nil
}

func (s *Store) collect() model.Snapshot {
	snap := model.Snapshot{Revision: s.rev.Load(), TakenAt: s.now()}
	s.vehicles.Range(func(_ string, v model.Vehicle) bool {
		snap.Vehicles = append(snap.Vehicles, v.Clone())
		return true
	})
	s.jobs.Range(func(_ string, j model.Job) bool {
		snap.Jobs = append(snap.Jobs, j)
		return true
	})
	snap.Sort()
	return snap
}

// op is one locked store operation.
type op struct {
	s     *Store
	name  string
	ctx   context.Context
	lockC context.Context
	stop  context.CancelFunc
	h     *held

	// waited accumulates the time spent on the gate and entity locks.
	waited time.Duration
}

func (s *Store) begin(ctx context.Context, name string) (*op, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lockC, stop := context.WithTimeout(ctx, s.cfg.LockTimeout)
	start := time.Now()
	s.gate.RLock()
	return &op{s: s, name: name, ctx: ctx, lockC: lockC, stop: stop, h: s.locks.newHeld(), waited: time.Since(start)}, nil
}

func (o *op) lock(keys ...string) error {
	start := time.Now()
	err := o.h.acquire(o.lockC, keys...)
	o.waited += time.Since(start)
	if err != nil {
		lockTimeouts.WithLabelValues(o.name).Inc()
		if o.ctx.Err() != nil {
			return fmt.Errorf("%s: %w", o.name, o.ctx.Err())
		}
		o.s.log.Warnw("lock wait timed out", map[string]any{"op": o.name, "keys": keys, "timeout": o.s.cfg.LockTimeout.String()})
		return fmt.Errorf("%s: %w", o.name, model.ErrTimeout)
	}
	return nil
}

// unlockAll releases the entity locks but keeps the gate.
func (o *op) unlockAll() { o.h.release() }

func (o *op) end() {
	lockWait.WithLabelValues(o.name).Observe(o.waited.Seconds())
	o.h.release()
	o.s.gate.RUnlock()
	o.stop()
}

// commit writes the staged state durably, updates the cache and runs hooks.
// It runs on a context detached from the caller's cancellation.
func (o *op) commit(t *tx) ([]events.ChangeEvent, error) {
	if t.empty() {
		return nil, nil
	}
	s := o.s
	ctx := context.WithoutCancel(o.ctx)
	n := uint64(len(t.events))
	if n == 0 {
		n = 1
	}
	base := s.rev.Add(n) - n + 1
	last := t.stamp(base)

	if err := s.write(ctx, o.name, t); err != nil {
		return nil, err
	}
	for _, k := range t.order {
		switch k.Kind {
		case KindVehicle:
			if v := t.vehicles[k.ID]; v != nil {
				s.vehicles.Store(k.ID, v.Clone())
			} else {
				s.vehicles.Delete(k.ID)
			}
		case KindJob:
			if j := t.jobs[k.ID]; j != nil {
				s.jobs.Store(k.ID, *j)
			} else {
				s.jobs.Delete(k.ID)
			}
		}
	}
	storeRevision.Set(float64(last))

	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, t.events)
	}
	return t.events, nil
}

func (s *Store) write(ctx context.Context, name string, t *tx) error {
	var saves []Entity
	var deletes []Key
	for _, k := range t.order {
		switch k.Kind {
		case KindVehicle:
			if v := t.vehicles[k.ID]; v != nil {
				saves = append(saves, VehicleEntity(*v))
			} else {
				deletes = append(deletes, k)
			}
		case KindJob:
			if j := t.jobs[k.ID]; j != nil {
				saves = append(saves, JobEntity(*j))
			} else {
				deletes = append(deletes, k)
			}
		}
	}
	if b, ok := s.persist.(Batcher); ok {
		if err := b.Apply(ctx, saves, deletes); err != nil {
			commitFailures.WithLabelValues(name, "atomic").Inc()
			return model.StorageError(name, err)
		}
		return nil
	}
	return s.writeSequential(ctx, name, t.order, t)
}

// writeSequential applies writes one by one and restores the pre-images of
// the applied ones when a later write fails.
func (s *Store) writeSequential(ctx context.Context, name string, order []Key, t *tx) error {
	applied := make([]Key, 0, len(order))
	var failure error
	for _, k := range order {
		var err error
		switch k.Kind {
		case KindVehicle:
			if v := t.vehicles[k.ID]; v != nil {
				err = s.persist.Save(ctx, VehicleEntity(*v))
			} else {
				err = s.persist.Delete(ctx, KindVehicle, k.ID)
			}
		case KindJob:
			if j := t.jobs[k.ID]; j != nil {
				err = s.persist.Save(ctx, JobEntity(*j))
			} else {
				err = s.persist.Delete(ctx, KindJob, k.ID)
			}
		}
		if err != nil {
			failure = fmt.Errorf("write %s: %w", k, err)
			break
		}
		applied = append(applied, k)
	}
	if failure == nil {
		return nil
	}

	var compErr error
	for i := len(applied) - 1; i >= 0; i-- {
		if err := s.restore(ctx, applied[i]); err != nil {
			compErr = errors.Join(compErr, err)
		}
	}
	if compErr != nil {
		commitFailures.WithLabelValues(name, "false").Inc()
		s.log.Errorf("%s: compensation failed after %v: %v", name, failure, compErr)
		monitoring.CaptureException(compErr, map[string]string{"component": "assignment", "op": name})
		return model.StorageError(name, errors.Join(failure, compErr))
	}
	commitFailures.WithLabelValues(name, "true").Inc()
	s.log.Warnf("%s: write failed, pre-operation state restored: %v", name, failure)
	return model.StorageError(name, failure)
}

func (s *Store) restore(ctx context.Context, k Key) error {
	switch k.Kind {
	case KindVehicle:
		if v, ok := s.vehicles.Load(k.ID); ok {
			return s.persist.Save(ctx, VehicleEntity(v))
		}
	case KindJob:
		if j, ok := s.jobs.Load(k.ID); ok {
			return s.persist.Save(ctx, JobEntity(j))
		}
	}
	err := s.persist.Delete(ctx, k.Kind, k.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// Result is the outcome of an assignment mutation.
type Result struct {
	Vehicle model.Vehicle
	Job     model.Job
	Events  []events.ChangeEvent
	// Changed is false when the call was a no-op.
	Changed bool
}

// AnyVersion disables the job version precondition.
const AnyVersion = ^uint64(0)

// Assign places jobID on vehicleID. A previous assignment to another vehicle
// is removed in the same commit. Assigning to the current vehicle changes
// nothing. expect is the job version the caller last saw, or AnyVersion.
func (s *Store) Assign(ctx context.Context, vehicleID, jobID string, expect uint64) (Result, error) {
	o, err := s.begin(ctx, "assign")
	if err != nil {
		return Result{}, err
	}
	defer o.end()

	if err := o.lock(jobKey(jobID)); err != nil {
		return Result{}, err
	}
	j, ok := s.jobs.Load(jobID)
	if !ok {
		return Result{}, model.NotFoundf("job %s", jobID)
	}
	keys := []string{vehicleKey(vehicleID)}
	if j.AssignedVehicleID != "" {
		keys = append(keys, vehicleKey(j.AssignedVehicleID))
	}
	if err := o.lock(keys...); err != nil {
		return Result{}, err
	}
	if expect != AnyVersion && j.Version != expect {
		return Result{}, model.Conflictf("job %s is at version %d, expected %d", jobID, j.Version, expect)
	}

	t := s.newTx()
	target, ok := t.vehicle(vehicleID)
	if !ok {
		return Result{}, model.NotFoundf("vehicle %s", vehicleID)
	}
	if j.AssignedVehicleID == vehicleID && target.HasJob(jobID) {
		return Result{Vehicle: target, Job: j}, nil
	}
	if prev := j.AssignedVehicleID; prev != "" && prev != vehicleID {
		if old, ok := t.vehicle(prev); ok {
			old = old.WithoutJob(jobID)
			t.putVehicle(old)
			j.AssignedVehicleID = ""
			t.putJob(j)
			t.emit(events.Unassigned(0, old, j))
		}
	}
	target = target.WithJob(jobID)
	j.AssignedVehicleID = vehicleID
	t.putVehicle(target)
	t.putJob(j)
	t.emit(events.Assigned(0, target, j))

	evs, err := o.commit(t)
	if err != nil {
		return Result{}, err
	}
	v, _ := t.vehicle(vehicleID)
	jj, _ := t.job(jobID)
	return Result{Vehicle: v, Job: jj, Events: evs, Changed: true}, nil
}

// Unassign removes jobID from vehicleID. It returns ErrNotFound when the job
// is not currently assigned to that vehicle.
func (s *Store) Unassign(ctx context.Context, vehicleID, jobID string, expect uint64) (Result, error) {
	o, err := s.begin(ctx, "unassign")
	if err != nil {
		return Result{}, err
	}
	defer o.end()

	if err := o.lock(jobKey(jobID), vehicleKey(vehicleID)); err != nil {
		return Result{}, err
	}
	t := s.newTx()
	j, ok := t.job(jobID)
	if !ok {
		return Result{}, model.NotFoundf("job %s", jobID)
	}
	v, ok := t.vehicle(vehicleID)
	if !ok {
		return Result{}, model.NotFoundf("vehicle %s", vehicleID)
	}
	if j.AssignedVehicleID != vehicleID || !v.HasJob(jobID) {
		return Result{}, model.NotFoundf("job %s is not assigned to vehicle %s", jobID, vehicleID)
	}
	if expect != AnyVersion && j.Version != expect {
		return Result{}, model.Conflictf("job %s is at version %d, expected %d", jobID, j.Version, expect)
	}
	v = v.WithoutJob(jobID)
	j.AssignedVehicleID = ""
	t.putVehicle(v)
	t.putJob(j)
	t.emit(events.Unassigned(0, v, j))

	evs, err := o.commit(t)
	if err != nil {
		return Result{}, err
	}
	v, _ = t.vehicle(vehicleID)
	j, _ = t.job(jobID)
	return Result{Vehicle: v, Job: j, Events: evs, Changed: true}, nil
}

// PutVehicle creates the vehicle or updates its attributes. The assigned job
// set is owned by the store and is never taken from the input.
func (s *Store) PutVehicle(ctx context.Context, in model.Vehicle) (model.Vehicle, bool, error) {
	if err := in.Validate(); err != nil {
		return model.Vehicle{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	o, err := s.begin(ctx, "put_vehicle")
	if err != nil {
		return model.Vehicle{}, false, err
	}
	defer o.end()
	if err := o.lock(vehicleKey(in.ID)); err != nil {
		return model.Vehicle{}, false, err
	}
	t := s.newTx()
	cur, exists := t.vehicle(in.ID)
	out := in.Clone()
	kind := events.VehicleCreated
	if exists {
		out.AssignedJobIDs = cur.AssignedJobIDs
		kind = events.VehicleUpdated
	} else {
		out.AssignedJobIDs = []string{}
	}
	t.putVehicle(out)
	t.emit(events.ForVehicle(kind, 0, out))
	if _, err := o.commit(t); err != nil {
		return model.Vehicle{}, false, err
	}
	v, _ := t.vehicle(in.ID)
	return v, !exists, nil
}

// PutJob creates the job or updates its attributes. New jobs start
// unassigned; the assignment reference of an existing job is preserved.
func (s *Store) PutJob(ctx context.Context, in model.Job) (model.Job, bool, error) {
	if err := in.Validate(); err != nil {
		return model.Job{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	in.Normalize()
	o, err := s.begin(ctx, "put_job")
	if err != nil {
		return model.Job{}, false, err
	}
	defer o.end()
	if err := o.lock(jobKey(in.ID)); err != nil {
		return model.Job{}, false, err
	}
	t := s.newTx()
	cur, exists := t.job(in.ID)
	out := in
	kind := events.JobCreated
	if exists {
		out.AssignedVehicleID = cur.AssignedVehicleID
		if out.Status == "" {
			out.Status = cur.Status
		}
		kind = events.JobUpdated
	} else {
		out.AssignedVehicleID = ""
		if out.Status == "" {
			out.Status = model.JobIdle
		}
	}
	t.putJob(out)
	t.emit(events.ForJob(kind, 0, out))
	if _, err := o.commit(t); err != nil {
		return model.Job{}, false, err
	}
	j, _ := t.job(in.ID)
	return j, !exists, nil
}

// SetJobStatus updates the execution status of a job.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus) (model.Job, error) {
	canon, err := model.ParseJobStatus(string(status))
	if err != nil {
		return model.Job{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	status = canon
	o, err := s.begin(ctx, "set_job_status")
	if err != nil {
		return model.Job{}, err
	}
	defer o.end()
	if err := o.lock(jobKey(jobID)); err != nil {
		return model.Job{}, err
	}
	t := s.newTx()
	j, ok := t.job(jobID)
	if !ok {
		return model.Job{}, model.NotFoundf("job %s", jobID)
	}
	if j.Status == status {
		return j, nil
	}
	j.Status = status
	t.putJob(j)
	t.emit(events.ForJob(events.JobUpdated, 0, j))
	if _, err := o.commit(t); err != nil {
		return model.Job{}, err
	}
	j, _ = t.job(jobID)
	return j, nil
}

// DeleteJob unassigns the job when needed and removes it.
func (s *Store) DeleteJob(ctx context.Context, jobID string) ([]events.ChangeEvent, error) {
	o, err := s.begin(ctx, "delete_job")
	if err != nil {
		return nil, err
	}
	defer o.end()
	if err := o.lock(jobKey(jobID)); err != nil {
		return nil, err
	}
	j, ok := s.jobs.Load(jobID)
	if !ok {
		return nil, model.NotFoundf("job %s", jobID)
	}
	if j.AssignedVehicleID != "" {
		if err := o.lock(vehicleKey(j.AssignedVehicleID)); err != nil {
			return nil, err
		}
	}
	t := s.newTx()
	if j.AssignedVehicleID != "" {
		if v, ok := t.vehicle(j.AssignedVehicleID); ok {
			v = v.WithoutJob(jobID)
			j.AssignedVehicleID = ""
			t.putVehicle(v)
			t.putJob(j)
			t.emit(events.Unassigned(0, v, j))
		}
	}
	t.deleteJob(jobID)
	j.AssignedVehicleID = ""
	t.emit(events.ForJob(events.JobDeleted, 0, j))
	return o.commit(t)
}

// DeleteVehicle unassigns every job of the vehicle and removes it. The job
// set is read before the job locks are taken, so it is re-checked under the
// locks and the acquisition restarts when it changed.
func (s *Store) DeleteVehicle(ctx context.Context, vehicleID string) ([]events.ChangeEvent, error) {
	o, err := s.begin(ctx, "delete_vehicle")
	if err != nil {
		return nil, err
	}
	defer o.end()

	for attempt := 0; attempt < s.cfg.MaxDeleteRetries; attempt++ {
		v, ok := s.vehicles.Load(vehicleID)
		if !ok {
			return nil, model.NotFoundf("vehicle %s", vehicleID)
		}
		jobIDs := append([]string(nil), v.AssignedJobIDs...)
		keys := make([]string, 0, len(jobIDs))
		for _, id := range jobIDs {
			keys = append(keys, jobKey(id))
		}
		if err := o.lock(keys...); err != nil {
			return nil, err
		}
		if err := o.lock(vehicleKey(vehicleID)); err != nil {
			return nil, err
		}
		v, ok = s.vehicles.Load(vehicleID)
		if !ok {
			return nil, model.NotFoundf("vehicle %s", vehicleID)
		}
		if !sameSet(jobIDs, v.AssignedJobIDs) {
			o.unlockAll()
			continue
		}

		t := s.newTx()
		cur := v.Clone()
		for _, id := range v.AssignedJobIDs {
			j, ok := t.job(id)
			if !ok {
				continue
			}
			cur = cur.WithoutJob(id)
			j.AssignedVehicleID = ""
			t.putVehicle(cur)
			t.putJob(j)
			t.emit(events.Unassigned(0, cur, j))
		}
		cur.AssignedJobIDs = []string{}
		t.deleteVehicle(vehicleID)
		t.emit(events.ForVehicle(events.VehicleDeleted, 0, cur))
		return o.commit(t)
	}
	return nil, model.Conflictf("vehicle %s job set kept changing", vehicleID)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// ErrInvalid marks input rejected before any lock is taken.
var ErrInvalid = errors.New("invalid input")
