package reconcile

import (
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

// Merge returns the view with ev applied. The input view is not modified.
// Merging an event that was already applied yields an equal view.
func Merge(v View, ev events.ChangeEvent) View {
	out := v.Clone()
	out.Apply(ev)
	return out
}

// Apply merges ev into the view in place. It reports whether any record was
// accepted.
func (v *View) Apply(ev events.ChangeEvent) bool {
	if ev.Validate() != nil {
		return false
	}
	changed := false
	switch ev.Kind {
	case events.JobAssigned:
		changed = v.putVehicle(*ev.Vehicle)
		if v.putJob(v.jobFromEvent(ev, ev.VehicleID)) {
			changed = true
		}
	case events.JobUnassigned:
		changed = v.putVehicle(*ev.Vehicle)
		if v.putJob(v.jobFromEvent(ev, "")) {
			changed = true
		}
	case events.VehicleCreated, events.VehicleUpdated:
		if ev.Vehicle != nil {
			changed = v.putVehicle(*ev.Vehicle)
		}
	case events.JobCreated, events.JobUpdated:
		if ev.Job != nil {
			changed = v.putJob(*ev.Job)
		}
	case events.VehicleDeleted:
		changed = v.dropVehicle(ev.VehicleID, ev.Revision)
	case events.JobDeleted:
		changed = v.dropJob(ev.JobID, ev.Revision)
	}
	if ev.Revision > v.Revision {
		v.Revision = ev.Revision
	}
	return changed
}

// jobFromEvent returns the job record carried by an assignment event, or
// derives one from the local record when the event has none.
func (v *View) jobFromEvent(ev events.ChangeEvent, vehicleID string) model.Job {
	if ev.Job != nil {
		return *ev.Job
	}
	j, ok := v.Jobs[ev.JobID]
	if !ok {
		j = model.Job{ID: ev.JobID}
	}
	j.AssignedVehicleID = vehicleID
	j.Version = ev.Revision
	return j
}

func (v *View) stale(known bool, localVersion, dead uint64, deadOK bool, version uint64) bool {
	if deadOK && version <= dead {
		return true
	}
	if known {
		return version <= localVersion
	}
	return version <= v.Floor
}

// putVehicle accepts rec if it is newer than the local record. Jobs that a
// newer job record places elsewhere are left out of the accepted set.
func (v *View) putVehicle(rec model.Vehicle) bool {
	cur, known := v.Vehicles[rec.ID]
	dead, deadOK := v.DeadVehicles[rec.ID]
	if v.stale(known, cur.Version, dead, deadOK, rec.Version) {
		return false
	}
	rec = rec.Clone()
	kept := rec.AssignedJobIDs[:0]
	for _, jid := range rec.AssignedJobIDs {
		if j, ok := v.Jobs[jid]; ok && j.Version > rec.Version && j.AssignedVehicleID != rec.ID {
			continue
		}
		kept = append(kept, jid)
	}
	rec.AssignedJobIDs = kept
	v.Vehicles[rec.ID] = rec
	delete(v.DeadVehicles, rec.ID)
	return true
}

// putJob accepts rec if it is newer than the local record and removes the
// job from every vehicle it no longer belongs to.
func (v *View) putJob(rec model.Job) bool {
	cur, known := v.Jobs[rec.ID]
	dead, deadOK := v.DeadJobs[rec.ID]
	if v.stale(known, cur.Version, dead, deadOK, rec.Version) {
		return false
	}
	v.Jobs[rec.ID] = rec
	delete(v.DeadJobs, rec.ID)
	for vid, veh := range v.Vehicles {
		if vid == rec.AssignedVehicleID || !veh.HasJob(rec.ID) {
			continue
		}
		if veh.Version < rec.Version {
			v.Vehicles[vid] = veh.WithoutJob(rec.ID)
		}
	}
	return true
}

// dropVehicle removes the vehicle and frees the jobs that still point at it.
func (v *View) dropVehicle(id string, rev uint64) bool {
	if dead, ok := v.DeadVehicles[id]; ok && dead >= rev {
		return false
	}
	cur, known := v.Vehicles[id]
	if known && cur.Version >= rev {
		return false
	}
	v.DeadVehicles[id] = rev
	delete(v.Vehicles, id)
	for jid, j := range v.Jobs {
		if j.AssignedVehicleID == id && j.Version < rev {
			j.AssignedVehicleID = ""
			v.Jobs[jid] = j
		}
	}
	return true
}

// dropJob removes only the job record. Vehicles listing it keep the id until
// a companion event arrives; the projection skips ids without a record.
func (v *View) dropJob(id string, rev uint64) bool {
	if dead, ok := v.DeadJobs[id]; ok && dead >= rev {
		return false
	}
	cur, known := v.Jobs[id]
	if known && cur.Version >= rev {
		return false
	}
	v.DeadJobs[id] = rev
	delete(v.Jobs, id)
	return true
}
