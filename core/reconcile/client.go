package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/logger"
	"github.com/kilianp07/fleetalloc/core/model"
)

// ErrStopped is returned by client calls after Run has returned.
var ErrStopped = errors.New("reconcile: client stopped")

var errStreamClosed = errors.New("event stream closed")

// Transport is what a client needs from the server: the two allocation
// operations, snapshots and the event stream.
type Transport interface {
	allocation.Allocator
	Snapshot(ctx context.Context) (model.Snapshot, error)
	Subscribe(ctx context.Context) (fanout.Subscription, error)
}

// Options configures a Client.
type Options struct {
	Policy allocation.MovePolicy
	Logger logger.Logger
	// OnChange receives the board after every visible change. It runs on
	// the client loop and must not call back into the client.
	OnChange func(Board)
	// RetryInterval is the first delay before resubscribing after the
	// stream failed. Defaults to 500ms.
	RetryInterval time.Duration
	// MaxRetryInterval caps the resubscribe delay. Defaults to 30s.
	MaxRetryInterval time.Duration
}

// Client keeps a replica of the board in sync with a server. All replica
// access happens on the goroutine running Run.
type Client struct {
	t    Transport
	opts Options
	log  logger.Logger

	replica *Replica
	cmds    chan func(*Replica)

	ready     chan struct{}
	readyOnce sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewClient returns a client using t.
func NewClient(t Transport, opts Options) *Client {
	if opts.Policy == "" {
		opts.Policy = allocation.LeaveUnassigned
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 30 * time.Second
	}
	return &Client{
		t:       t,
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
		replica: NewReplica(),
		cmds:    make(chan func(*Replica)),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Ready is closed once the first snapshot has been merged.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run subscribes, takes a snapshot and merges events until ctx ends. A lost
// stream is re-established with exponential backoff followed by a fresh
// snapshot.
func (c *Client) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.stopped) })

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	b.MaxInterval = c.opts.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		synced, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Warnf("event stream lost: %v, retrying in %s", err, wait)
		if err := c.idle(ctx, wait); err != nil {
			return err
		}
	}
}

// session runs one subscription. It reports whether a snapshot was merged.
func (c *Client) session(ctx context.Context) (bool, error) {
	sub, err := c.t.Subscribe(ctx)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	// Events arriving while the snapshot is fetched wait in the
	// subscription buffer and are merged afterwards.
	if err := c.resync(ctx); err != nil {
		return false, err
	}
	c.readyOnce.Do(func() { close(c.ready) })

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return true, errStreamClosed
			}
			if c.replica.Apply(ev) {
				c.notify()
			}
		case <-sub.Resync():
			c.log.Infof("resync requested at revision %d", c.replica.Revision())
			if err := c.resync(ctx); err != nil {
				return true, err
			}
		case fn := <-c.cmds:
			fn(c.replica)
		}
	}
}

func (c *Client) resync(ctx context.Context) error {
	snap, err := c.t.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.replica.Reset(snap)
	c.log.Debugw("snapshot merged", map[string]any{
		"revision": snap.Revision,
		"vehicles": len(snap.Vehicles),
		"jobs":     len(snap.Jobs),
	})
	c.notify()
	return nil
}

// idle waits d while still serving commands.
func (c *Client) idle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case fn := <-c.cmds:
			fn(c.replica)
		}
	}
}

func (c *Client) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.replica.Board())
	}
}

// do runs fn on the client loop and waits for it.
func (c *Client) do(ctx context.Context, fn func(*Replica)) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func(r *Replica) { fn(r); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// Board returns the current projection.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var b Board
	err := c.do(ctx, func(r *Replica) { b = r.Board() })
	return b, err
}

// Drop moves a job between lanes the way a drag and drop does: the board
// shows the job on its target at once, the move saga runs against the
// server and the overlay ends with its outcome. On failure only this job
// returns to its last confirmed place.
func (c *Client) Drop(ctx context.Context, jobID, from, to string) (allocation.MoveResult, error) {
	req := allocation.MoveRequest{JobID: jobID, From: from, To: to}
	if err := req.Validate(); err != nil {
		return allocation.MoveResult{}, err
	}
	if from == to {
		return allocation.MoveResult{Outcome: allocation.MoveNoop}, nil
	}
	var p Pending
	if err := c.do(ctx, func(r *Replica) {
		p = r.Begin(jobID, from, to)
		c.notify()
	}); err != nil {
		return allocation.MoveResult{}, err
	}

	res, moveErr := allocation.Move(ctx, c.t, req, c.opts.Policy)

	err := c.do(context.WithoutCancel(ctx), func(r *Replica) {
		current := r.Settle(p, res.From, res.To)
		if moveErr != nil && current {
			c.log.Warnw("optimistic move rolled back", map[string]any{
				"job":     jobID,
				"from":    from,
				"to":      to,
				"outcome": string(res.Outcome),
				"error":   moveErr.Error(),
			})
		}
		c.notify()
	})
	if err != nil && moveErr == nil {
		return res, err
	}
	return res, moveErr
}

// Assign is Drop from the unassigned list.
func (c *Client) Assign(ctx context.Context, vehicleID, jobID string) (allocation.MoveResult, error) {
	return c.Drop(ctx, jobID, "", vehicleID)
}

// Unassign is Drop onto the unassigned list.
func (c *Client) Unassign(ctx context.Context, vehicleID, jobID string) (allocation.MoveResult, error) {
	return c.Drop(ctx, jobID, vehicleID, "")
}
