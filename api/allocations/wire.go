package allocations

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

// Frame types sent on the event stream.
const (
	FrameEvent  = "event"
	FrameResync = "resync"
)

// Frame is one websocket message of the event stream.
type Frame struct {
	Type  string              `json:"type"`
	Event *events.ChangeEvent `json:"event,omitempty"`
}

// Error codes that are not part of the model taxonomy.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
)

// ErrorBody is the JSON body of every error response. Move carries the
// partial outcome of a failed move.
type ErrorBody struct {
	Error string                 `json:"error"`
	Code  string                 `json:"code"`
	Move  *allocation.MoveResult `json:"move,omitempty"`
}

// StatusPayload is the body of PATCH /api/jobs/{id}/status.
type StatusPayload struct {
	Status string `json:"status"`
}

var errBadRequest = errors.New("bad request")

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, assignment.ErrInvalid):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.ErrorCode(err)
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, model.ErrorCode(err)
	case errors.Is(err, model.ErrStorage):
		return http.StatusServiceUnavailable, model.ErrorCode(err)
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout, model.ErrorCode(err)
	default:
		return http.StatusInternalServerError, model.ErrorCode(err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code, c := statusFor(err)
	writeJSON(w, code, ErrorBody{Error: err.Error(), Code: c})
}
