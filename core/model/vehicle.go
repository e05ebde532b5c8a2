package model

import (
	"fmt"
	"time"
)

// Vehicle represents a vehicle that transport jobs can be allocated to.
type Vehicle struct {
	ID           string `json:"id"`
	Identifier   string `json:"identifier,omitempty"`
	LicencePlate string `json:"licencePlate,omitempty"`
	Make         string `json:"make,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Fleet        string `json:"fleet,omitempty"`

	// AssignedJobIDs lists the jobs allocated to the vehicle in assignment
	// order. The order is only used for display.
	AssignedJobIDs []string `json:"assignedJobIds"`

	// Version is the store revision of the last commit touching the record.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that the vehicle can be stored.
func (v Vehicle) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	seen := make(map[string]struct{}, len(v.AssignedJobIDs))
	for _, id := range v.AssignedJobIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("vehicle %s lists job %s twice", v.ID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// HasJob reports whether the job is in the vehicle's assigned set.
func (v Vehicle) HasJob(jobID string) bool {
	for _, id := range v.AssignedJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the vehicle.
func (v Vehicle) Clone() Vehicle {
	out := v
	if v.AssignedJobIDs != nil {
		out.AssignedJobIDs = append([]string(nil), v.AssignedJobIDs...)
	}
	return out
}

// WithJob returns a copy with jobID appended to the set. Adding a job that is
// already present returns an unchanged copy.
func (v Vehicle) WithJob(jobID string) Vehicle {
	out := v.Clone()
	if out.HasJob(jobID) {
		return out
	}
	out.AssignedJobIDs = append(out.AssignedJobIDs, jobID)
	return out
}

// WithoutJob returns a copy with jobID removed from the set.
func (v Vehicle) WithoutJob(jobID string) Vehicle {
	out := v
	out.AssignedJobIDs = make([]string, 0, len(v.AssignedJobIDs))
	for _, id := range v.AssignedJobIDs {
		if id != jobID {
			out.AssignedJobIDs = append(out.AssignedJobIDs, id)
		}
	}
	return out
}
