package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/fleetalloc/core/model"
)

// Allocator is the pair of operations a move is composed of. The service
// implements it server side; reconciliation clients implement it over their
// transport.
type Allocator interface {
	Assign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error)
	Unassign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error)
}

// MoveOutcome names how a move ended.
type MoveOutcome string

const (
	MoveDone MoveOutcome = "moved"
	MoveNoop MoveOutcome = "noop"
	// MoveFailed: nothing changed, the job is still where it was.
	MoveFailed MoveOutcome = "failed"
	// MoveLeftUnassigned: the assign step failed and the job stays unassigned.
	MoveLeftUnassigned MoveOutcome = "left_unassigned"
	// MoveRestored: the assign step failed and the job is back on its origin.
	MoveRestored MoveOutcome = "restored"
)

// MoveRequest describes a drag from one lane to another. An empty From is a
// drag out of the unassigned list; an empty To is a drop onto it.
type MoveRequest struct {
	JobID string `json:"jobId"`
	From  string `json:"fromVehicleId,omitempty"`
	To    string `json:"toVehicleId,omitempty"`
}

// Validate checks the request.
func (r MoveRequest) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	return nil
}

// MoveResult reports the vehicles returned by the steps that succeeded.
type MoveResult struct {
	Outcome MoveOutcome    `json:"outcome"`
	From    *model.Vehicle `json:"from,omitempty"`
	To      *model.Vehicle `json:"to,omitempty"`
}

// Move runs the unassign-then-assign saga. The job is never on two vehicles:
// when the assign step fails the job is left unassigned, or put back on its
// origin under the Restore policy. The returned error is the step failure.
func Move(ctx context.Context, a Allocator, req MoveRequest, policy MovePolicy) (MoveResult, error) {
	if err := req.Validate(); err != nil {
		return MoveResult{}, err
	}
	if req.From == req.To {
		return MoveResult{Outcome: MoveNoop}, nil
	}
	var res MoveResult
	if req.From != "" {
		v, err := a.Unassign(ctx, req.From, req.JobID)
		if err != nil {
			res.Outcome = MoveFailed
			return res, fmt.Errorf("unassign %s from %s: %w", req.JobID, req.From, err)
		}
		res.From = &v
	}
	if req.To == "" {
		res.Outcome = MoveDone
		return res, nil
	}
	v, err := a.Assign(ctx, req.To, req.JobID)
	if err == nil {
		res.To = &v
		res.Outcome = MoveDone
		return res, nil
	}
	assignErr := fmt.Errorf("assign %s to %s: %w", req.JobID, req.To, err)
	if req.From == "" {
		res.Outcome = MoveFailed
		return res, assignErr
	}
	res.Outcome = MoveLeftUnassigned
	if policy != Restore {
		return res, assignErr
	}
	back, rerr := a.Assign(context.WithoutCancel(ctx), req.From, req.JobID)
	if rerr != nil {
		return res, errors.Join(assignErr, fmt.Errorf("restore %s to %s: %w", req.JobID, req.From, rerr))
	}
	res.Outcome = MoveRestored
	res.From = &back
	return res, assignErr
}
