package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/reconcile"
)

const fixture = `vehicles:
  - id: V1
    identifier: Truck 1
    licence_plate: AB-123-CD
  - id: V2
    identifier: Truck 2
jobs:
  - id: J1
    reference: REF-1
    pickup_from: Lyon
    deliver_to: Paris
    vehicle: V1
  - id: J2
    reference: REF-2
    status: In Progress
`

type recordingSeeder struct {
	calls   []string
	failJob string
}

func (s *recordingSeeder) PutVehicle(_ context.Context, v model.Vehicle) (model.Vehicle, error) {
	s.calls = append(s.calls, "vehicle:"+v.ID)
	return v, nil
}

func (s *recordingSeeder) PutJob(_ context.Context, j model.Job) (model.Job, error) {
	if j.ID == s.failJob {
		return model.Job{}, model.ErrStorage
	}
	s.calls = append(s.calls, "job:"+j.ID+":"+string(j.Status))
	return j, nil
}

func (s *recordingSeeder) Assign(_ context.Context, vehicleID, jobID string) (model.Vehicle, error) {
	s.calls = append(s.calls, "assign:"+vehicleID+":"+jobID)
	return model.Vehicle{ID: vehicleID}, nil
}

func TestParseFixtureAndApply(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(fixture))
	require.NoError(t, err)
	require.Len(t, fx.Vehicles, 2)
	assert.Equal(t, "AB-123-CD", fx.Vehicles[0].LicencePlate)

	s := &recordingSeeder{}
	require.NoError(t, fx.Apply(context.Background(), s))
	assert.Equal(t, []string{
		"vehicle:V1",
		"vehicle:V2",
		"job:J1:idle",
		"job:J2:in_progress",
		"assign:V1:J1",
	}, s.calls)
}

func TestApplyStopsOnError(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(fixture))
	require.NoError(t, err)
	s := &recordingSeeder{failJob: "J1"}
	err = fx.Apply(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStorage))
	assert.NotContains(t, s.calls, "assign:V1:J1")
}

func TestParseFixtureRejects(t *testing.T) {
	cases := map[string]string{
		"unknown vehicle": "jobs:\n  - id: J1\n    vehicle: V9\n",
		"bad status":      "jobs:\n  - id: J1\n    status: lost\n",
		"missing id":      "vehicles:\n  - identifier: x\n",
		"unknown field":   "vehicles:\n  - id: V1\n    colour: red\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFixture(strings.NewReader(data))
			assert.Error(t, err)
		})
	}
}

func TestParseFixtureEmpty(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, fx.Vehicles)
}

func TestPrintBoard(t *testing.T) {
	r := reconcile.NewReplica()
	r.Reset(model.Snapshot{
		Vehicles: []model.Vehicle{{ID: "V1", Identifier: "Truck 1", AssignedJobIDs: []string{"J1"}, Version: 2}},
		Jobs: []model.Job{
			{ID: "J1", Reference: "REF-1", AssignedVehicleID: "V1", Version: 2},
			{ID: "J2", Version: 1},
		},
		Revision: 2,
	})
	r.Begin("J2", "", "V1")

	var buf bytes.Buffer
	require.NoError(t, printBoard(&buf, r.Board()))
	out := buf.String()
	assert.Contains(t, out, "revision 2")
	assert.Contains(t, out, "Truck 1")
	assert.Contains(t, out, "REF-1, J2 (pending_assign)")
	assert.Contains(t, out, "unassigned  -")
}
