package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/model"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "alloc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSaveLoadList(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Save(ctx, assignment.VehicleEntity(model.Vehicle{ID: "V1", AssignedJobIDs: []string{"J1"}, Version: 2})))
	require.NoError(t, s.Save(ctx, assignment.JobEntity(model.Job{ID: "J1", AssignedVehicleID: "V1", Version: 2})))

	e, err := s.Load(ctx, assignment.KindVehicle, "V1")
	require.NoError(t, err)
	require.Equal(t, []string{"J1"}, e.Vehicle.AssignedJobIDs)
	require.EqualValues(t, 2, e.Vehicle.Version)

	_, err = s.Load(ctx, assignment.KindJob, "nope")
	require.True(t, errors.Is(err, model.ErrNotFound))

	jobs, err := s.ListAll(ctx, assignment.KindJob)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "V1", jobs[0].Job.AssignedVehicleID)
}

func TestSQLiteApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Save(ctx, assignment.VehicleEntity(model.Vehicle{ID: "V1"})))

	bad := assignment.Entity{Kind: assignment.KindJob}
	err := s.Apply(ctx, []assignment.Entity{
		assignment.VehicleEntity(model.Vehicle{ID: "V2"}),
		bad,
	}, []assignment.Key{{Kind: assignment.KindVehicle, ID: "V1"}})
	require.True(t, errors.Is(err, model.ErrStorage))

	vs, err := s.ListAll(ctx, assignment.KindVehicle)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, "V1", vs[0].Vehicle.ID)

	require.NoError(t, s.Apply(ctx, []assignment.Entity{assignment.VehicleEntity(model.Vehicle{ID: "V2"})},
		[]assignment.Key{{Kind: assignment.KindVehicle, ID: "V1"}, {Kind: assignment.KindJob, ID: "ghost"}}))
	vs, err = s.ListAll(ctx, assignment.KindVehicle)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, "V2", vs[0].Vehicle.ID)
}

func TestSQLiteDeleteUnknown(t *testing.T) {
	s := open(t)
	err := s.Delete(context.Background(), assignment.KindVehicle, "V9")
	require.True(t, errors.Is(err, model.ErrNotFound))
}
