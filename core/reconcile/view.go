// Package reconcile maintains a client's local copy of the allocation board.
//
// The confirmed View is built from a snapshot and the change event stream
// with a pure, version-gated Merge: a record is accepted only when it is
// newer than what the view holds, so duplicated, replayed or reordered
// events are harmless. Optimistic actions live in an overlay keyed by job
// and never touch the confirmed view; the Board projection combines both.
package reconcile

import (
	"github.com/kilianp07/fleetalloc/core/model"
)

// View is the confirmed local state.
type View struct {
	Vehicles map[string]model.Vehicle
	Jobs     map[string]model.Job

	// Tombstones remember the version of deletions so older records of a
	// deleted entity cannot resurrect it.
	DeadVehicles map[string]uint64
	DeadJobs     map[string]uint64

	// Floor is the revision of the snapshot the view was built from. An
	// entity absent from that snapshot did not exist at Floor, so records
	// at or below it are stale.
	Floor uint64
	// Revision is the highest revision merged so far.
	Revision uint64
}

// NewView returns an empty view.
func NewView() View {
	return View{
		Vehicles:     make(map[string]model.Vehicle),
		Jobs:         make(map[string]model.Job),
		DeadVehicles: make(map[string]uint64),
		DeadJobs:     make(map[string]uint64),
	}
}

// FromSnapshot builds a view from a store snapshot.
func FromSnapshot(s model.Snapshot) View {
	v := NewView()
	for _, veh := range s.Vehicles {
		v.Vehicles[veh.ID] = veh.Clone()
	}
	for _, j := range s.Jobs {
		v.Jobs[j.ID] = j
	}
	v.Floor = s.Revision
	v.Revision = s.Revision
	return v
}

// Clone returns a deep copy.
func (v View) Clone() View {
	out := View{
		Vehicles:     make(map[string]model.Vehicle, len(v.Vehicles)),
		Jobs:         make(map[string]model.Job, len(v.Jobs)),
		DeadVehicles: make(map[string]uint64, len(v.DeadVehicles)),
		DeadJobs:     make(map[string]uint64, len(v.DeadJobs)),
		Floor:        v.Floor,
		Revision:     v.Revision,
	}
	for id, veh := range v.Vehicles {
		out.Vehicles[id] = veh.Clone()
	}
	for id, j := range v.Jobs {
		out.Jobs[id] = j
	}
	for id, r := range v.DeadVehicles {
		out.DeadVehicles[id] = r
	}
	for id, r := range v.DeadJobs {
		out.DeadJobs[id] = r
	}
	return out
}

// Owner resolves which vehicle the job is on according to the confirmed
// view. Vehicle sets and job references may disagree transiently while
// events are in flight; the most recent record wins. It returns "" for an
// unassigned job or one whose vehicle is unknown.
func (v View) Owner(jobID string) string {
	return v.owners()[jobID]
}

type claim struct {
	vehicle string
	version uint64
}

// owners computes Owner for every job in one pass.
func (v View) owners() map[string]string {
	best := make(map[string]claim, len(v.Jobs))
	for id, j := range v.Jobs {
		best[id] = claim{vehicle: j.AssignedVehicleID, version: j.Version}
	}
	for vid, veh := range v.Vehicles {
		for _, jid := range veh.AssignedJobIDs {
			cur, ok := best[jid]
			if !ok {
				continue
			}
			if veh.Version > cur.version {
				best[jid] = claim{vehicle: vid, version: veh.Version}
			}
		}
	}
	for jid, j := range v.Jobs {
		ref := j.AssignedVehicleID
		if ref == "" {
			continue
		}
		veh, ok := v.Vehicles[ref]
		if !ok || veh.HasJob(jid) {
			continue
		}
		// the referenced vehicle is newer than the job and no longer lists it
		if cur := best[jid]; cur.vehicle == ref && veh.Version > cur.version {
			best[jid] = claim{vehicle: "", version: veh.Version}
		}
	}
	out := make(map[string]string, len(best))
	for jid, c := range best {
		if c.vehicle != "" {
			if _, ok := v.Vehicles[c.vehicle]; !ok {
				c.vehicle = ""
			}
		}
		out[jid] = c.vehicle
	}
	return out
}

// Assignments groups resolved job ids by vehicle. Every job appears at most
// once since ownership resolves to a single vehicle.
func (v View) Assignments() map[string][]string {
	out := make(map[string][]string)
	for jid, vid := range v.owners() {
		if vid != "" {
			out[vid] = append(out[vid], jid)
		}
	}
	return out
}
