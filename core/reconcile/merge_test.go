package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

func veh(id string, version uint64, jobs ...string) model.Vehicle {
	return model.Vehicle{ID: id, Identifier: id, AssignedJobIDs: jobs, Version: version}
}

func job(id, vehicle string, version uint64) model.Job {
	return model.Job{ID: id, AssignedVehicleID: vehicle, Version: version, Status: model.JobIdle}
}

// base: J1 on V1, J2 unassigned, as of revision 10.
func base() View {
	return FromSnapshot(model.Snapshot{
		Vehicles: []model.Vehicle{veh("V1", 10, "J1"), veh("V2", 5)},
		Jobs:     []model.Job{job("J1", "V1", 10), job("J2", "", 4)},
		Revision: 10,
	})
}

func TestMergeDoesNotModifyInput(t *testing.T) {
	in := base()
	out := Merge(in, events.Assigned(11, veh("V2", 11, "J2"), job("J2", "V2", 11)))
	assert.Empty(t, in.Vehicles["V2"].AssignedJobIDs)
	assert.Equal(t, []string{"J2"}, out.Vehicles["V2"].AssignedJobIDs)
	assert.Equal(t, uint64(10), in.Revision)
	assert.Equal(t, uint64(11), out.Revision)
}

func TestMergeHealsFromAssignedAlone(t *testing.T) {
	// the JobUnassigned{V1,J1} at revision 11 was never delivered
	v := Merge(base(), events.Assigned(12, veh("V2", 12, "J1"), job("J1", "V2", 12)))

	assert.Equal(t, "V2", v.Owner("J1"))
	assert.False(t, v.Vehicles["V1"].HasJob("J1"), "J1 must be stripped from V1")
	assert.Equal(t, map[string][]string{"V2": {"J1"}}, v.Assignments())
}

func TestMergeDuplicateDelivery(t *testing.T) {
	evs := []events.ChangeEvent{
		events.Unassigned(11, veh("V1", 11), job("J1", "", 11)),
		events.Assigned(12, veh("V2", 12, "J1"), job("J1", "V2", 12)),
	}
	once := base()
	for _, ev := range evs {
		once = Merge(once, ev)
	}
	twice := once
	for _, ev := range evs {
		twice = Merge(twice, ev)
	}
	assert.Equal(t, once, twice)
	assert.Equal(t, "V2", twice.Owner("J1"))
}

func TestMergeLateOlderEventIsIgnored(t *testing.T) {
	v := base()
	v.Apply(events.Unassigned(11, veh("V1", 11), job("J1", "", 11)))
	v.Apply(events.Assigned(12, veh("V2", 12, "J1"), job("J1", "V2", 12)))

	// a redelivered assignment from before the move
	changed := v.Apply(events.Assigned(10, veh("V1", 10, "J1"), job("J1", "V1", 10)))
	assert.False(t, changed)
	assert.Equal(t, "V2", v.Owner("J1"))
	assert.False(t, v.Vehicles["V1"].HasJob("J1"))
}

func TestMergeOutOfOrderAcrossEntities(t *testing.T) {
	// J1 moved V1 -> V2; older V1 records arrive after the move.
	v := base()
	v.Apply(events.Assigned(12, veh("V2", 12, "J1"), job("J1", "V2", 12)))
	v.Apply(events.ForVehicle(events.VehicleUpdated, 9, veh("V1", 9, "J1")))
	assert.Equal(t, "V2", v.Owner("J1"))

	// a vehicle record older than the job record cannot claim the job back
	v.Vehicles["V1"] = veh("V1", 3)
	v.Apply(events.ForVehicle(events.VehicleUpdated, 8, veh("V1", 8, "J1")))
	assert.False(t, v.Vehicles["V1"].HasJob("J1"))
	assert.Equal(t, map[string][]string{"V2": {"J1"}}, v.Assignments())
}

func TestMergeUnassignRemovesFromVehicle(t *testing.T) {
	v := Merge(base(), events.Unassigned(11, veh("V1", 11), job("J1", "", 11)))
	assert.Equal(t, "", v.Owner("J1"))
	assert.Empty(t, v.Vehicles["V1"].AssignedJobIDs)

	// replay
	again := Merge(v, events.Unassigned(11, veh("V1", 11), job("J1", "", 11)))
	assert.Equal(t, v, again)
}

func TestMergeVehicleDeletedDropsAssociations(t *testing.T) {
	v := Merge(base(), events.ForVehicle(events.VehicleDeleted, 13, veh("V1", 12)))
	_, ok := v.Vehicles["V1"]
	assert.False(t, ok)
	assert.Equal(t, "", v.Jobs["J1"].AssignedVehicleID)
	assert.Equal(t, "", v.Owner("J1"))

	// tombstone blocks resurrection by an older record
	v.Apply(events.ForVehicle(events.VehicleUpdated, 12, veh("V1", 12, "J1")))
	_, ok = v.Vehicles["V1"]
	assert.False(t, ok)

	// a newer create brings it back
	v.Apply(events.ForVehicle(events.VehicleCreated, 20, veh("V1", 20)))
	_, ok = v.Vehicles["V1"]
	assert.True(t, ok)
}

func TestMergeJobDeletedKeepsVehicleSlot(t *testing.T) {
	v := Merge(base(), events.ForJob(events.JobDeleted, 11, job("J1", "V1", 10)))
	_, ok := v.Jobs["J1"]
	assert.False(t, ok)
	assert.True(t, v.Vehicles["V1"].HasJob("J1"), "only a companion event frees the slot")
	assert.Empty(t, v.Assignments())

	v.Apply(events.ForJob(events.JobUpdated, 10, job("J1", "V1", 10)))
	_, ok = v.Jobs["J1"]
	assert.False(t, ok, "tombstone blocks resurrection")
}

func TestMergeBelowSnapshotFloor(t *testing.T) {
	// V9 was created and deleted before the snapshot was taken
	v := Merge(base(), events.ForVehicle(events.VehicleCreated, 7, veh("V9", 7)))
	_, ok := v.Vehicles["V9"]
	assert.False(t, ok)

	v = Merge(v, events.ForVehicle(events.VehicleCreated, 11, veh("V9", 11)))
	_, ok = v.Vehicles["V9"]
	assert.True(t, ok)
}

func TestMergeIgnoresInvalidEvents(t *testing.T) {
	v := base()
	changed := v.Apply(events.ChangeEvent{Kind: events.JobAssigned, JobID: "J1", Revision: 99})
	assert.False(t, changed)
	assert.Equal(t, uint64(10), v.Revision)
}

func TestMergeAssignedWithoutJobRecord(t *testing.T) {
	ev := events.Assigned(11, veh("V2", 11, "J2"), job("J2", "V2", 11))
	ev.Job = nil
	v := Merge(base(), ev)
	require.Contains(t, v.Jobs, "J2")
	assert.Equal(t, "V2", v.Jobs["J2"].AssignedVehicleID)
	assert.Equal(t, uint64(11), v.Jobs["J2"].Version)
}
