package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetalloc/core/model"
)

// Kind identifies the change carried by an event.
type Kind string

const (
	JobAssigned    Kind = "JobAssigned"
	JobUnassigned  Kind = "JobUnassigned"
	VehicleCreated Kind = "VehicleCreated"
	VehicleUpdated Kind = "VehicleUpdated"
	VehicleDeleted Kind = "VehicleDeleted"
	JobCreated     Kind = "JobCreated"
	JobUpdated     Kind = "JobUpdated"
	JobDeleted     Kind = "JobDeleted"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case JobAssigned, JobUnassigned, VehicleCreated, VehicleUpdated,
		VehicleDeleted, JobCreated, JobUpdated, JobDeleted:
		return true
	}
	return false
}

// ChangeEvent is the unit of fan-out. Assignment events carry both the
// vehicle and the job after the commit; lifecycle events carry the entity
// they describe. Delete events carry the last known record.
type ChangeEvent struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Revision  uint64         `json:"revision"`
	VehicleID string         `json:"vehicleId,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	Vehicle   *model.Vehicle `json:"vehicle,omitempty"`
	Job       *model.Job     `json:"job,omitempty"`
	At        time.Time      `json:"at"`
}

// EntityKeys returns the lock keys of the entities the event touches. They
// are the unit of FIFO ordering.
func (e ChangeEvent) EntityKeys() []string {
	var keys []string
	if e.JobID != "" {
		keys = append(keys, "job:"+e.JobID)
	}
	if e.VehicleID != "" {
		keys = append(keys, "vehicle:"+e.VehicleID)
	}
	return keys
}

// Validate checks the fields required by the event kind.
func (e ChangeEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	switch e.Kind {
	case JobAssigned, JobUnassigned:
		if e.Vehicle == nil || e.JobID == "" {
			return fmt.Errorf("%s requires vehicle and job id", e.Kind)
		}
	case VehicleCreated, VehicleUpdated, VehicleDeleted:
		if e.VehicleID == "" {
			return fmt.Errorf("%s requires vehicle id", e.Kind)
		}
	case JobCreated, JobUpdated, JobDeleted:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Kind)
		}
	}
	return nil
}

func (e ChangeEvent) String() string {
	switch {
	case e.VehicleID != "" && e.JobID != "":
		return fmt.Sprintf("%s{vehicle=%s job=%s rev=%d}", e.Kind, e.VehicleID, e.JobID, e.Revision)
	case e.VehicleID != "":
		return fmt.Sprintf("%s{vehicle=%s rev=%d}", e.Kind, e.VehicleID, e.Revision)
	default:
		return fmt.Sprintf("%s{job=%s rev=%d}", e.Kind, e.JobID, e.Revision)
	}
}

func newEvent(kind Kind, rev uint64) ChangeEvent {
	return ChangeEvent{ID: uuid.NewString(), Kind: kind, Revision: rev, At: time.Now().UTC()}
}

// Assigned builds a JobAssigned event from the committed records.
func Assigned(rev uint64, v model.Vehicle, j model.Job) ChangeEvent {
	e := newEvent(JobAssigned, rev)
	e.VehicleID, e.JobID = v.ID, j.ID
	vc := v.Clone()
	e.Vehicle, e.Job = &vc, &j
	return e
}

// Unassigned builds a JobUnassigned event from the committed records.
func Unassigned(rev uint64, v model.Vehicle, j model.Job) ChangeEvent {
	e := newEvent(JobUnassigned, rev)
	e.VehicleID, e.JobID = v.ID, j.ID
	vc := v.Clone()
	e.Vehicle, e.Job = &vc, &j
	return e
}

// ForVehicle builds a vehicle lifecycle event.
func ForVehicle(kind Kind, rev uint64, v model.Vehicle) ChangeEvent {
	e := newEvent(kind, rev)
	e.VehicleID = v.ID
	vc := v.Clone()
	e.Vehicle = &vc
	return e
}

// ForJob builds a job lifecycle event.
func ForJob(kind Kind, rev uint64, j model.Job) ChangeEvent {
	e := newEvent(kind, rev)
	e.JobID = j.ID
	e.Job = &j
	return e
}
