package model

import (
	"fmt"
	"time"
)

// JobStatus is the execution status reported by the driver flow.
type JobStatus string

const (
	JobIdle       JobStatus = "idle"
	JobInProgress JobStatus = "in_progress"
	JobComplete   JobStatus = "complete"
)

// ParseJobStatus accepts the canonical values as well as the labels used by
// the mobile driver flow.
func ParseJobStatus(s string) (JobStatus, error) {
	switch s {
	case "", "idle", "Idle":
		return JobIdle, nil
	case "in_progress", "In Progress", "in progress":
		return JobInProgress, nil
	case "complete", "completed", "Complete":
		return JobComplete, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Canonical maps a driver-flow label to its canonical status. An empty
// status counts as idle; unknown values are returned unchanged.
func (s JobStatus) Canonical() JobStatus {
	c, err := ParseJobStatus(string(s))
	if err != nil {
		return s
	}
	return c
}

// Job is a transport job. The allocation engine only ever mutates
// AssignedVehicleID; the other attributes belong to job management.
type Job struct {
	ID         string    `json:"id"`
	Reference  string    `json:"jobReference,omitempty"`
	PickupFrom string    `json:"pickupFrom,omitempty"`
	DeliverTo  string    `json:"deliverTo,omitempty"`
	OrderQty   int       `json:"orderQty,omitempty"`
	Status     JobStatus `json:"jobStatus,omitempty"`

	// AssignedVehicleID is empty while the job is unassigned.
	AssignedVehicleID string `json:"assignedVehicleId,omitempty"`

	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that the job can be stored.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Status != "" {
		if _, err := ParseJobStatus(string(j.Status)); err != nil {
			return err
		}
	}
	return nil
}

// Normalize rewrites a non-empty status to its canonical form.
func (j *Job) Normalize() {
	if j.Status != "" {
		j.Status = j.Status.Canonical()
	}
}

// Assigned reports whether the job references a vehicle.
func (j Job) Assigned() bool { return j.AssignedVehicleID != "" }
