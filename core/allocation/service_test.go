package allocation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/metrics"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/infra/persistence/memory"
)

type fixture struct {
	svc     *Service
	persist *memory.Store
	bus     *fanout.Memory
}

func newFixture(t *testing.T, cfg Config, pub fanout.Publisher) *fixture {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	ctx := context.Background()
	p := memory.New()
	store, err := assignment.New(ctx, p, assignment.Config{}, nil)
	require.NoError(t, err)
	bus := fanout.NewMemory(64)
	if pub == nil {
		pub = bus
	}
	svc, err := NewService(store, pub, cfg, nil)
	require.NoError(t, err)
	for _, id := range []string{"V1", "V2"} {
		_, _, err := svc.PutVehicle(ctx, model.Vehicle{ID: id})
		require.NoError(t, err)
	}
	for _, id := range []string{"J1", "J2"} {
		_, _, err := svc.PutJob(ctx, model.Job{ID: id, Reference: "REF-" + id})
		require.NoError(t, err)
	}
	return &fixture{svc: svc, persist: p, bus: bus}
}

func next(t *testing.T, sub fanout.Subscription) events.ChangeEvent {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
	return events.ChangeEvent{}
}

func TestAssignFansOutToEverySubscriber(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	v, err := f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, v.AssignedJobIDs)

	for _, sub := range []fanout.Subscription{a, b} {
		e := next(t, sub)
		assert.Equal(t, events.JobAssigned, e.Kind)
		assert.Equal(t, "V1", e.VehicleID)
		assert.Equal(t, []string{"J1"}, e.Vehicle.AssignedJobIDs)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(operations.WithLabelValues("assign", "ok")))
}

func TestStaleUnassignPublishesNothing(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, "V2", "J1")
	require.NoError(t, err)
	sub, _ := f.bus.Subscribe(ctx)

	_, err = f.svc.Unassign(ctx, "V1", "J1")
	require.ErrorIs(t, err, model.ErrNotFound)
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	j, _ := f.svc.Job("J1")
	assert.Equal(t, "V2", j.AssignedVehicleID)
	assert.Equal(t, 1.0, testutil.ToFloat64(operations.WithLabelValues("unassign", "not_found")))
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	pub := fanout.PublisherFunc(func(context.Context, events.ChangeEvent) error {
		return errors.New("broker down")
	})
	f := newFixture(t, Config{}, pub)
	_, err := f.svc.Assign(context.Background(), "V1", "J1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(publishFailures.WithLabelValues(string(events.JobAssigned))))
}

func TestMovePartialFailureEndsUnassigned(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)

	// unassign writes V1 and J1, the assign step then fails on its first save
	f.persist.FailNth(memory.OpSave, 3, errors.New("io"))
	res, err := f.svc.Move(ctx, MoveRequest{JobID: "J1", From: "V1", To: "V2"})
	require.ErrorIs(t, err, model.ErrStorage)
	assert.Equal(t, MoveLeftUnassigned, res.Outcome)
	f.persist.FailWith(nil)

	snap, err := f.svc.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, snap.CheckConsistency())
	j, _ := snap.Job("J1")
	assert.Empty(t, j.AssignedVehicleID)
	assert.Equal(t, 1.0, testutil.ToFloat64(moveOutcomes.WithLabelValues(string(MoveLeftUnassigned))))
}

func TestMoveRestorePolicy(t *testing.T) {
	f := newFixture(t, Config{MovePolicy: Restore}, nil)
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)

	res, err := f.svc.Move(ctx, MoveRequest{JobID: "J1", From: "V1", To: "V9"})
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, MoveRestored, res.Outcome)
	j, _ := f.svc.Job("J1")
	assert.Equal(t, "V1", j.AssignedVehicleID)
}

func TestLifecyclePassthrough(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, "V1", "J2")
	require.NoError(t, err)

	j, err := f.svc.SetJobStatus(ctx, "J2", model.JobInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.JobInProgress, j.Status)

	jobs, err := f.svc.JobsForVehicle("V1", model.JobInProgress)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J2", jobs[0].ID)

	sub, _ := f.bus.Subscribe(ctx)
	require.NoError(t, f.svc.DeleteVehicle(ctx, "V1"))
	kinds := []events.Kind{next(t, sub).Kind, next(t, sub).Kind, next(t, sub).Kind}
	assert.Equal(t, []events.Kind{events.JobUnassigned, events.JobUnassigned, events.VehicleDeleted}, kinds)

	require.ErrorIs(t, f.svc.DeleteJob(ctx, "J9"), model.ErrNotFound)
	_, _, err = f.svc.PutJob(ctx, model.Job{ID: "J3", Status: "lost"})
	require.ErrorIs(t, err, assignment.ErrInvalid)
}

type countingSink struct {
	metrics.NopSink
	results []metrics.AllocationResult
	moves   int
	states  []metrics.FleetState
}

func (c *countingSink) RecordAllocation(r metrics.AllocationResult) error {
	c.results = append(c.results, r)
	return nil
}

func (c *countingSink) RecordMove(metrics.MoveEvent) error { c.moves++; return nil }

func (c *countingSink) RecordFleetState(st metrics.FleetState) error {
	c.states = append(c.states, st)
	return nil
}

func TestAuditAndSinkReceiveCommits(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	st, err := audit.NewJSONLStore(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	f.svc.SetAuditStore(st)
	sink := &countingSink{}
	f.svc.SetMetricsSink(sink)

	_, err = f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, "V1", "J1")
	require.NoError(t, err)
	_, err = f.svc.Move(ctx, MoveRequest{JobID: "J1", From: "V1", To: "V2"})
	require.NoError(t, err)
	_, err = f.svc.Snapshot(ctx)
	require.NoError(t, err)

	recs, err := f.svc.AuditLog(ctx, audit.Query{JobID: "J1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, events.JobAssigned, recs[0].Event.Kind)
	assert.Equal(t, events.JobUnassigned, recs[1].Event.Kind)
	assert.Equal(t, "V2", recs[2].Event.VehicleID)

	require.GreaterOrEqual(t, len(sink.results), 4)
	assert.Equal(t, "noop", sink.results[1].Outcome)
	assert.Equal(t, 1, sink.moves)
	require.Len(t, sink.states, 1)
	assert.Equal(t, 1, sink.states[0].Unassigned)
}

func TestJobsForVehicleMatchesDriverLabels(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	_, _, err := f.svc.PutJob(ctx, model.Job{ID: "J3", Status: "In Progress"})
	require.NoError(t, err)
	for _, id := range []string{"J1", "J3"} {
		_, err := f.svc.Assign(ctx, "V1", id)
		require.NoError(t, err)
	}

	jobs, err := f.svc.JobsForVehicle("V1", model.JobInProgress)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J3", jobs[0].ID)
	assert.Equal(t, model.JobInProgress, jobs[0].Status)

	jobs, err = f.svc.JobsForVehicle("V1", "Idle")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J1", jobs[0].ID)
}
