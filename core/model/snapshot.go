package model

import (
	"sort"
	"time"
)

// Snapshot is a consistent copy of the whole allocation state. Revision is
// the store revision the copy was taken at.
type Snapshot struct {
	Vehicles []Vehicle `json:"vehicles"`
	Jobs     []Job     `json:"jobs"`
	Revision uint64    `json:"revision"`
	TakenAt  time.Time `json:"takenAt"`
}

// Sort orders vehicles and jobs by id so snapshots compare deterministically.
func (s *Snapshot) Sort() {
	sort.Slice(s.Vehicles, func(i, j int) bool { return s.Vehicles[i].ID < s.Vehicles[j].ID })
	sort.Slice(s.Jobs, func(i, j int) bool { return s.Jobs[i].ID < s.Jobs[j].ID })
}

// Vehicle returns the vehicle with the given id.
func (s Snapshot) Vehicle(id string) (Vehicle, bool) {
	for _, v := range s.Vehicles {
		if v.ID == id {
			return v, true
		}
	}
	return Vehicle{}, false
}

// Job returns the job with the given id.
func (s Snapshot) Job(id string) (Job, bool) {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// CheckConsistency returns the first violation of the assignment invariant:
// a job listed by more than one vehicle, or listed by a vehicle that is not
// the one the job references, or referencing a vehicle that does not list it.
func (s Snapshot) CheckConsistency() error {
	owner := make(map[string]string)
	for _, v := range s.Vehicles {
		for _, jid := range v.AssignedJobIDs {
			if prev, ok := owner[jid]; ok {
				return &InvariantError{JobID: jid, Detail: "listed by " + prev + " and " + v.ID}
			}
			owner[jid] = v.ID
		}
	}
	for _, j := range s.Jobs {
		if owner[j.ID] != j.AssignedVehicleID {
			return &InvariantError{JobID: j.ID, Detail: "references " + quote(j.AssignedVehicleID) + " but is listed by " + quote(owner[j.ID])}
		}
	}
	return nil
}

func quote(s string) string {
	if s == "" {
		return "nothing"
	}
	return s
}
