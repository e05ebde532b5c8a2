package assignment

import (
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

// tx stages the writes and events of one store operation. Reads see the
// staged state first, then the committed cache.
type tx struct {
	s *Store

	vehicles map[string]*model.Vehicle // nil value marks a deletion
	jobs     map[string]*model.Job
	order    []Key
	events   []events.ChangeEvent
}

func (s *Store) newTx() *tx {
	return &tx{
		s:        s,
		vehicles: make(map[string]*model.Vehicle),
		jobs:     make(map[string]*model.Job),
	}
}

func (t *tx) vehicle(id string) (model.Vehicle, bool) {
	if v, ok := t.vehicles[id]; ok {
		if v == nil {
			return model.Vehicle{}, false
		}
		return v.Clone(), true
	}
	v, ok := t.s.vehicles.Load(id)
	if !ok {
		return model.Vehicle{}, false
	}
	return v.Clone(), true
}

func (t *tx) job(id string) (model.Job, bool) {
	if j, ok := t.jobs[id]; ok {
		if j == nil {
			return model.Job{}, false
		}
		return *j, true
	}
	return t.s.jobs.Load(id)
}

func (t *tx) touch(k Key) {
	for _, o := range t.order {
		if o == k {
			return
		}
	}
	t.order = append(t.order, k)
}

func (t *tx) putVehicle(v model.Vehicle) {
	vc := v.Clone()
	t.vehicles[v.ID] = &vc
	t.touch(Key{Kind: KindVehicle, ID: v.ID})
}

func (t *tx) putJob(j model.Job) {
	t.jobs[j.ID] = &j
	t.touch(Key{Kind: KindJob, ID: j.ID})
}

func (t *tx) deleteVehicle(id string) {
	t.vehicles[id] = nil
	t.touch(Key{Kind: KindVehicle, ID: id})
}

func (t *tx) deleteJob(id string) {
	t.jobs[id] = nil
	t.touch(Key{Kind: KindJob, ID: id})
}

// emit records an event carrying copies of the given records. Revisions and
// versions are stamped at commit.
func (t *tx) emit(e events.ChangeEvent) {
	t.events = append(t.events, e)
}

func (t *tx) empty() bool { return len(t.order) == 0 }

// stamp assigns one revision per event starting at base and sets the version
// of every staged entity to the revision of the last event carrying it.
// Entities written without an event get the last revision of the commit.
func (t *tx) stamp(base uint64) uint64 {
	last := base + uint64(len(t.events)) - 1
	if len(t.events) == 0 {
		last = base
	}
	vver := make(map[string]uint64)
	jver := make(map[string]uint64)
	for i := range t.events {
		rev := base + uint64(i)
		e := &t.events[i]
		e.Revision = rev
		if e.Vehicle != nil {
			e.Vehicle.Version = rev
			vver[e.Vehicle.ID] = rev
		}
		if e.Job != nil {
			e.Job.Version = rev
			jver[e.Job.ID] = rev
		}
	}
	now := t.s.now()
	for id, v := range t.vehicles {
		if v == nil {
			continue
		}
		if r, ok := vver[id]; ok {
			v.Version = r
		} else {
			v.Version = last
		}
		v.UpdatedAt = now
	}
	for id, j := range t.jobs {
		if j == nil {
			continue
		}
		if r, ok := jver[id]; ok {
			j.Version = r
		} else {
			j.Version = last
		}
		j.UpdatedAt = now
	}
	for i := range t.events {
		e := &t.events[i]
		e.At = now
		if e.Vehicle != nil {
			e.Vehicle.UpdatedAt = now
		}
		if e.Job != nil {
			e.Job.UpdatedAt = now
		}
	}
	return last
}
