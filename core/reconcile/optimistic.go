package reconcile

import (
	"time"

	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

// JobState is the per-job position in the local state machine.
type JobState string

const (
	StateUnassigned      JobState = "unassigned"
	StatePendingAssign   JobState = "pending_assign"
	StateAssigned        JobState = "assigned"
	StatePendingMove     JobState = "pending_move"
	StatePendingUnassign JobState = "pending_unassign"
)

// Pending is an optimistic action awaiting the server's answer.
type Pending struct {
	Token   uint64
	JobID   string
	From    string
	To      string
	Started time.Time
}

// State derives the pending state from the action's endpoints.
func (p Pending) State() JobState {
	switch {
	case p.To == "":
		return StatePendingUnassign
	case p.From == "":
		return StatePendingAssign
	default:
		return StatePendingMove
	}
}

// Replica is a client's confirmed view plus its optimistic overlay. It is
// not safe for concurrent use; Client confines it to its loop goroutine.
type Replica struct {
	view    View
	pending map[string]Pending
	token   uint64
}

// NewReplica returns an empty replica.
func NewReplica() *Replica {
	return &Replica{view: NewView(), pending: make(map[string]Pending)}
}

// View returns a copy of the confirmed view.
func (r *Replica) View() View { return r.view.Clone() }

// Revision returns the highest merged revision.
func (r *Replica) Revision() uint64 { return r.view.Revision }

// Reset replaces the confirmed view with a snapshot. Overlays are kept; they
// end when their action completes.
func (r *Replica) Reset(s model.Snapshot) {
	r.view = FromSnapshot(s)
}

// Apply merges an event into the confirmed view.
func (r *Replica) Apply(ev events.ChangeEvent) bool {
	return r.view.Apply(ev)
}

// Begin records an optimistic move of jobID from one vehicle to another
// ("" for the unassigned list). A newer action on the same job supersedes
// the older one.
func (r *Replica) Begin(jobID, from, to string) Pending {
	r.token++
	p := Pending{
		Token:   r.token,
		JobID:   jobID,
		From:    from,
		To:      to,
		Started: time.Now(),
	}
	r.pending[jobID] = p
	return p
}

// Settle ends the action identified by p and merges the vehicle records the
// server returned. Records are merged even when a newer action superseded p,
// since they are confirmed state. It reports whether p was still current.
func (r *Replica) Settle(p Pending, confirmed ...*model.Vehicle) bool {
	for _, v := range confirmed {
		if v != nil {
			r.view.putVehicle(*v)
		}
	}
	cur, ok := r.pending[p.JobID]
	if !ok || cur.Token != p.Token {
		return false
	}
	delete(r.pending, p.JobID)
	return true
}

// Pending returns the current overlay for the job.
func (r *Replica) Pending(jobID string) (Pending, bool) {
	p, ok := r.pending[jobID]
	return p, ok
}

// State returns the job's state and the vehicle it is shown on.
func (r *Replica) State(jobID string) (JobState, string) {
	if p, ok := r.pending[jobID]; ok {
		return p.State(), p.To
	}
	if owner := r.view.Owner(jobID); owner != "" {
		return StateAssigned, owner
	}
	return StateUnassigned, ""
}
