// Package remote talks to an allocation server over HTTP and its websocket
// event stream. Client implements the reconciliation transport.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kilianp07/fleetalloc/api/allocations"
	"github.com/kilianp07/fleetalloc/auth"
	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/logger"
	"github.com/kilianp07/fleetalloc/core/model"
)

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Client is an allocation server client.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	ts   auth.TokenSource
	log  logger.Logger
}

// New returns a client for cfg.
func New(cfg Config, log logger.Logger) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.timeout()},
		ts:   auth.New(cfg.OAuth, cfg.Token),
		log:  logger.OrNop(log),
	}, nil
}

// decodeError rebuilds the error taxonomy from an error response.
func decodeError(resp *http.Response) (*allocation.MoveResult, error) {
	var body allocations.ErrorBody
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return nil, model.StorageError("server", errors.New(msg))
		case http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%s: %w", msg, model.ErrTimeout)
		case http.StatusUnauthorized:
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, msg)
	}
	switch body.Code {
	case allocations.CodeBadRequest:
		return body.Move, fmt.Errorf("%w: %s", assignment.ErrInvalid, body.Error)
	case allocations.CodeUnauthorized:
		return body.Move, ErrUnauthorized
	}
	return body.Move, model.ErrorFromCode(body.Code, body.Error)
}

type call struct {
	method string
	path   string
	query  url.Values
	body   any
	header http.Header
}

// do sends the call, retrying storage and timeout failures with exponential
// backoff. The server guarantees those leave no partial state. A 401 with
// refreshable credentials is retried once with a fresh token.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	var payload []byte
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return err
		}
		payload = b
	}
	refreshed := false
	var move *allocation.MoveResult

	op := func() error {
		target := c.base.String() + cl.path
		if len(cl.query) > 0 {
			target += "?" + cl.query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, cl.method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range cl.header {
			req.Header[k] = v
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := auth.SetAuthHeader(ctx, c.ts, req); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: %w: %v", cl.method, cl.path, model.ErrTransport, err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			m, apiErr := decodeError(resp)
			move = m
			if errors.Is(apiErr, ErrUnauthorized) && !refreshed {
				if cc, ok := c.ts.(*auth.ClientCred); ok {
					refreshed = true
					if _, rerr := cc.ForceRefresh(ctx); rerr == nil {
						return apiErr
					}
				}
			}
			if model.IsRetryable(apiErr) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		move = nil
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", cl.path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.backoff()
	var policy backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Warnf("%s %s failed, retrying in %s: %v", cl.method, cl.path, wait, err)
	})
	if err != nil && move != nil && out != nil {
		if res, ok := out.(*allocation.MoveResult); ok {
			*res = *move
		}
	}
	return err
}

func ifMatch(version uint64) http.Header {
	if version == assignment.AnyVersion {
		return nil
	}
	return http.Header{"If-Match": []string{`"` + strconv.FormatUint(version, 10) + `"`}}
}

func assignPath(vehicleID, jobID string) string {
	return "/api/allocations/vehicles/" + url.PathEscape(vehicleID) + "/jobs/" + url.PathEscape(jobID)
}

// Assign places the job on the vehicle.
func (c *Client) Assign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error) {
	return c.AssignIfVersion(ctx, vehicleID, jobID, assignment.AnyVersion)
}

// AssignIfVersion is Assign with a job version precondition.
func (c *Client) AssignIfVersion(ctx context.Context, vehicleID, jobID string, version uint64) (model.Vehicle, error) {
	var v model.Vehicle
	err := c.do(ctx, call{method: http.MethodPost, path: assignPath(vehicleID, jobID), header: ifMatch(version)}, &v)
	return v, err
}

// Unassign removes the job from the vehicle.
func (c *Client) Unassign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error) {
	return c.UnassignIfVersion(ctx, vehicleID, jobID, assignment.AnyVersion)
}

// UnassignIfVersion is Unassign with a job version precondition.
func (c *Client) UnassignIfVersion(ctx context.Context, vehicleID, jobID string, version uint64) (model.Vehicle, error) {
	var v model.Vehicle
	err := c.do(ctx, call{method: http.MethodDelete, path: assignPath(vehicleID, jobID), header: ifMatch(version)}, &v)
	return v, err
}

// Move runs the saga on the server.
func (c *Client) Move(ctx context.Context, req allocation.MoveRequest) (allocation.MoveResult, error) {
	var res allocation.MoveResult
	err := c.do(ctx, call{method: http.MethodPost, path: "/api/allocations/moves", body: req}, &res)
	return res, err
}

// Snapshot fetches a consistent copy of the allocation state.
func (c *Client) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var s model.Snapshot
	err := c.do(ctx, call{method: http.MethodGet, path: "/api/allocations/snapshot"}, &s)
	return s, err
}

// Log queries the server's audit log.
func (c *Client) Log(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	v := url.Values{}
	if q.VehicleID != "" {
		v.Set("vehicle_id", q.VehicleID)
	}
	if q.JobID != "" {
		v.Set("job_id", q.JobID)
	}
	if q.Kind != "" {
		v.Set("kind", string(q.Kind))
	}
	if q.SinceRevision > 0 {
		v.Set("since", strconv.FormatUint(q.SinceRevision, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.Format(time.RFC3339))
	}
	var recs []audit.Record
	err := c.do(ctx, call{method: http.MethodGet, path: "/api/allocations/log", query: v}, &recs)
	return recs, err
}

// PutVehicle creates or updates a vehicle.
func (c *Client) PutVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	var out model.Vehicle
	err := c.do(ctx, call{method: http.MethodPut, path: "/api/vehicles/" + url.PathEscape(v.ID), body: v}, &out)
	return out, err
}

// DeleteVehicle removes a vehicle.
func (c *Client) DeleteVehicle(ctx context.Context, id string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/api/vehicles/" + url.PathEscape(id)}, nil)
}

// PutJob creates or updates a job.
func (c *Client) PutJob(ctx context.Context, j model.Job) (model.Job, error) {
	var out model.Job
	err := c.do(ctx, call{method: http.MethodPut, path: "/api/jobs/" + url.PathEscape(j.ID), body: j}, &out)
	return out, err
}

// DeleteJob removes a job.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/api/jobs/" + url.PathEscape(id)}, nil)
}

// SetJobStatus updates the driver-reported status of a job.
func (c *Client) SetJobStatus(ctx context.Context, id string, status model.JobStatus) (model.Job, error) {
	var out model.Job
	err := c.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/jobs/" + url.PathEscape(id) + "/status",
		body:   allocations.StatusPayload{Status: string(status)},
	}, &out)
	return out, err
}

// JobsForVehicle lists the jobs on a vehicle, filtered by status.
func (c *Client) JobsForVehicle(ctx context.Context, vehicleID string, statuses ...model.JobStatus) ([]model.Job, error) {
	var q url.Values
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q = url.Values{"status": []string{strings.Join(parts, ",")}}
	}
	var out []model.Job
	err := c.do(ctx, call{method: http.MethodGet, path: "/api/vehicles/" + url.PathEscape(vehicleID) + "/jobs", query: q}, &out)
	return out, err
}
