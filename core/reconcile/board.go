package reconcile

import (
	"sort"

	"github.com/kilianp07/fleetalloc/core/model"
)

// Card is a job as displayed on the board.
type Card struct {
	Job     model.Job `json:"job"`
	State   JobState  `json:"state"`
	Pending bool      `json:"pending"`
}

// Lane is a vehicle with the jobs shown on it, in display order.
type Lane struct {
	Vehicle model.Vehicle `json:"vehicle"`
	Jobs    []Card        `json:"jobs"`
}

// Board is the projection a user interface renders.
type Board struct {
	Lanes      []Lane `json:"lanes"`
	Unassigned []Card `json:"unassigned"`
	Revision   uint64 `json:"revision"`
}

// Board projects the replica. Each known job appears exactly once, either
// in one lane or in the unassigned list.
func (r *Replica) Board() Board {
	owners := r.view.owners()
	place := make(map[string]string, len(owners))
	for jid, vid := range owners {
		place[jid] = vid
	}
	for jid, p := range r.pending {
		if _, ok := r.view.Jobs[jid]; !ok {
			continue
		}
		if _, ok := r.view.Vehicles[p.To]; ok || p.To == "" {
			place[jid] = p.To
		}
	}

	card := func(jid string) Card {
		c := Card{Job: r.view.Jobs[jid], State: StateUnassigned}
		if p, ok := r.pending[jid]; ok {
			c.State, c.Pending = p.State(), true
		} else if place[jid] != "" {
			c.State = StateAssigned
		}
		return c
	}

	vids := make([]string, 0, len(r.view.Vehicles))
	for id := range r.view.Vehicles {
		vids = append(vids, id)
	}
	sort.Slice(vids, func(i, j int) bool {
		a, b := r.view.Vehicles[vids[i]], r.view.Vehicles[vids[j]]
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		return a.ID < b.ID
	})

	shown := make(map[string]bool, len(place))
	b := Board{Revision: r.view.Revision, Lanes: make([]Lane, 0, len(vids))}
	for _, vid := range vids {
		veh := r.view.Vehicles[vid]
		lane := Lane{Vehicle: veh.Clone(), Jobs: []Card{}}
		for _, jid := range veh.AssignedJobIDs {
			if place[jid] != vid || shown[jid] {
				continue
			}
			shown[jid] = true
			lane.Jobs = append(lane.Jobs, card(jid))
		}
		b.Lanes = append(b.Lanes, lane)
	}
	// jobs placed on a lane that does not list them yet go last, by id
	extra := make([]string, 0)
	for jid, vid := range place {
		if vid != "" && !shown[jid] {
			extra = append(extra, jid)
		}
	}
	sort.Strings(extra)
	laneIdx := make(map[string]int, len(b.Lanes))
	for i, l := range b.Lanes {
		laneIdx[l.Vehicle.ID] = i
	}
	for _, jid := range extra {
		i := laneIdx[place[jid]]
		b.Lanes[i].Jobs = append(b.Lanes[i].Jobs, card(jid))
		shown[jid] = true
	}

	un := make([]string, 0)
	for jid := range r.view.Jobs {
		if !shown[jid] {
			un = append(un, jid)
		}
	}
	sort.Strings(un)
	b.Unassigned = make([]Card, 0, len(un))
	for _, jid := range un {
		b.Unassigned = append(b.Unassigned, card(jid))
	}
	return b
}

// Lane returns the lane of a vehicle.
func (b Board) Lane(vehicleID string) (Lane, bool) {
	for _, l := range b.Lanes {
		if l.Vehicle.ID == vehicleID {
			return l, true
		}
	}
	return Lane{}, false
}

// JobsForVehicle lists the jobs shown on a vehicle, optionally restricted to
// the given statuses. A job without a status counts as idle.
func (b Board) JobsForVehicle(vehicleID string, statuses ...model.JobStatus) []model.Job {
	l, ok := b.Lane(vehicleID)
	if !ok {
		return nil
	}
	out := make([]model.Job, 0, len(l.Jobs))
	for _, c := range l.Jobs {
		if len(statuses) > 0 && !hasStatus(c.Job.Status, statuses) {
			continue
		}
		out = append(out, c.Job)
	}
	return out
}

func hasStatus(s model.JobStatus, want []model.JobStatus) bool {
	s = s.Canonical()
	for _, w := range want {
		if s == w.Canonical() {
			return true
		}
	}
	return false
}

// Find returns the vehicle a job is shown on, "" when unassigned, and
// whether the job is on the board at all.
func (b Board) Find(jobID string) (string, bool) {
	for _, l := range b.Lanes {
		for _, c := range l.Jobs {
			if c.Job.ID == jobID {
				return l.Vehicle.ID, true
			}
		}
	}
	for _, c := range b.Unassigned {
		if c.Job.ID == jobID {
			return "", true
		}
	}
	return "", false
}
