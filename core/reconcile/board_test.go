package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/core/model"
)

func replica() *Replica {
	r := NewReplica()
	r.view = base()
	return r
}

func laneIDs(b Board, vehicleID string) []string {
	l, _ := b.Lane(vehicleID)
	ids := make([]string, 0, len(l.Jobs))
	for _, c := range l.Jobs {
		ids = append(ids, c.Job.ID)
	}
	return ids
}

func unassignedIDs(b Board) []string {
	ids := make([]string, 0, len(b.Unassigned))
	for _, c := range b.Unassigned {
		ids = append(ids, c.Job.ID)
	}
	return ids
}

func assertEachJobOnce(t *testing.T, b Board) {
	t.Helper()
	seen := map[string]int{}
	for _, l := range b.Lanes {
		for _, c := range l.Jobs {
			seen[c.Job.ID]++
		}
	}
	for _, c := range b.Unassigned {
		seen[c.Job.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s shown %d times", id, n)
		}
	}
}

func TestBoardConfirmed(t *testing.T) {
	b := replica().Board()
	require.Len(t, b.Lanes, 2)
	assert.Equal(t, "V1", b.Lanes[0].Vehicle.ID)
	assert.Equal(t, []string{"J1"}, laneIDs(b, "V1"))
	assert.Empty(t, laneIDs(b, "V2"))
	assert.Equal(t, []string{"J2"}, unassignedIDs(b))
	assert.Equal(t, StateAssigned, b.Lanes[0].Jobs[0].State)
	assert.Equal(t, uint64(10), b.Revision)
}

func TestOptimisticAssignConfirmed(t *testing.T) {
	r := replica()
	p := r.Begin("J2", "", "V2")
	assert.Equal(t, StatePendingAssign, p.State())

	b := r.Board()
	assert.Equal(t, []string{"J2"}, laneIDs(b, "V2"))
	assert.Empty(t, unassignedIDs(b))
	l, _ := b.Lane("V2")
	assert.True(t, l.Jobs[0].Pending)
	assertEachJobOnce(t, b)

	confirmed := veh("V2", 11, "J2")
	require.True(t, r.Settle(p, &confirmed))
	b = r.Board()
	l, _ = b.Lane("V2")
	require.Len(t, l.Jobs, 1)
	assert.False(t, l.Jobs[0].Pending)
	assert.Equal(t, StateAssigned, l.Jobs[0].State)
	state, on := r.State("J2")
	assert.Equal(t, StateAssigned, state)
	assert.Equal(t, "V2", on)
}

func TestOptimisticMoveRollsBackOnlyThatJob(t *testing.T) {
	r := replica()
	move := r.Begin("J1", "V1", "V2")
	assign := r.Begin("J2", "", "V1")
	assert.Equal(t, StatePendingMove, move.State())

	b := r.Board()
	assert.Equal(t, []string{"J1"}, laneIDs(b, "V2"))
	assert.Equal(t, []string{"J2"}, laneIDs(b, "V1"))
	assertEachJobOnce(t, b)

	// the move failed before anything changed on the server
	require.True(t, r.Settle(move))
	b = r.Board()
	assert.Equal(t, []string{"J1", "J2"}, laneIDs(b, "V1"))
	_, pending := r.Pending("J2")
	assert.True(t, pending, "the other job's overlay survives")
	assertEachJobOnce(t, b)
}

func TestOptimisticMoveLeftUnassigned(t *testing.T) {
	r := replica()
	p := r.Begin("J1", "V1", "V2")
	// unassign succeeded, assign failed
	from := veh("V1", 11)
	r.Settle(p, &from, nil)

	b := r.Board()
	assert.Equal(t, []string{"J1", "J2"}, unassignedIDs(b))
	assert.Empty(t, laneIDs(b, "V1"))
	assert.Empty(t, laneIDs(b, "V2"))
}

func TestOptimisticSupersede(t *testing.T) {
	r := replica()
	first := r.Begin("J1", "V1", "V2")
	second := r.Begin("J1", "V1", "")

	assert.False(t, r.Settle(first), "superseded action must not clear the newer overlay")
	state, _ := r.State("J1")
	assert.Equal(t, StatePendingUnassign, state)
	b := r.Board()
	assert.Contains(t, unassignedIDs(b), "J1")
	assertEachJobOnce(t, b)

	assert.True(t, r.Settle(second))
}

func TestOverlayToUnknownVehicleFallsBack(t *testing.T) {
	r := replica()
	r.Begin("J2", "", "V404")
	b := r.Board()
	assert.Equal(t, []string{"J2"}, unassignedIDs(b))
	assert.True(t, b.Unassigned[0].Pending)
}

func TestOverlaysSurviveReset(t *testing.T) {
	r := replica()
	r.Begin("J2", "", "V2")
	r.Reset(model.Snapshot{
		Vehicles: []model.Vehicle{veh("V1", 10, "J1"), veh("V2", 5)},
		Jobs:     []model.Job{job("J1", "V1", 10), job("J2", "", 4)},
		Revision: 12,
	})
	assert.Equal(t, []string{"J2"}, laneIDs(r.Board(), "V2"))
}

func TestJobsForVehicle(t *testing.T) {
	r := NewReplica()
	r.Reset(model.Snapshot{
		Vehicles: []model.Vehicle{veh("V1", 3, "J1", "J2", "J3")},
		Jobs: []model.Job{
			{ID: "J1", AssignedVehicleID: "V1", Version: 1},
			{ID: "J2", AssignedVehicleID: "V1", Version: 2, Status: model.JobInProgress},
			{ID: "J3", AssignedVehicleID: "V1", Version: 3, Status: model.JobComplete},
		},
		Revision: 3,
	})
	b := r.Board()

	all := b.JobsForVehicle("V1")
	assert.Len(t, all, 3)
	open := b.JobsForVehicle("V1", model.JobIdle, model.JobInProgress)
	require.Len(t, open, 2)
	assert.Equal(t, "J1", open[0].ID)
	assert.Equal(t, "J2", open[1].ID)
	assert.Nil(t, b.JobsForVehicle("V9"))

	// Records written before statuses were canonicalised still match.
	legacy := NewReplica()
	legacy.Reset(model.Snapshot{
		Vehicles: []model.Vehicle{veh("V1", 2, "J1", "J2")},
		Jobs: []model.Job{
			{ID: "J1", AssignedVehicleID: "V1", Version: 1},
			{ID: "J2", AssignedVehicleID: "V1", Version: 2, Status: "In Progress"},
		},
		Revision: 2,
	})
	lb := legacy.Board()
	open = lb.JobsForVehicle("V1", model.JobInProgress)
	require.Len(t, open, 1)
	assert.Equal(t, "J2", open[0].ID)
	idle := lb.JobsForVehicle("V1", "Idle")
	require.Len(t, idle, 1)
	assert.Equal(t, "J1", idle[0].ID)

	on, ok := b.Find("J3")
	assert.True(t, ok)
	assert.Equal(t, "V1", on)
}
