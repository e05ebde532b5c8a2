package allocations

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
)

// ifMatch parses an optional If-Match header holding a job version.
func ifMatch(r *http.Request) (uint64, error) {
	h := strings.Trim(r.Header.Get("If-Match"), `" `)
	if h == "" || h == "*" {
		return assignment.AnyVersion, nil
	}
	v, err := strconv.ParseUint(h, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: If-Match %q", errBadRequest, h)
	}
	return v, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	version, err := ifMatch(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := s.Service.AssignIfVersion(r.Context(), chi.URLParam(r, "vehicleID"), chi.URLParam(r, "jobID"), version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	version, err := ifMatch(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := s.Service.UnassignIfVersion(r.Context(), chi.URLParam(r, "vehicleID"), chi.URLParam(r, "jobID"), version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req allocation.MoveRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := s.Service.Move(r.Context(), req)
	if err != nil {
		code, c := statusFor(err)
		writeJSON(w, code, ErrorBody{Error: err.Error(), Code: c, Move: &res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Service.Snapshot(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s Server) handleLog(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := audit.Query{
		VehicleID: qs.Get("vehicle_id"),
		JobID:     qs.Get("job_id"),
		Kind:      events.Kind(qs.Get("kind")),
	}
	if v := qs.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Start = t
		}
	}
	if v := qs.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.End = t
		}
	}
	if v := qs.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeErr(w, fmt.Errorf("%w: since %q", errBadRequest, v))
			return
		}
		q.SinceRevision = n
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
		q.Limit = n
	}
	if q.Kind != "" && !q.Kind.Valid() {
		writeErr(w, fmt.Errorf("%w: kind %q", errBadRequest, q.Kind))
		return
	}
	recs, err := s.Service.AuditLog(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := s.Service.Vehicle(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s Server) handlePutVehicle(w http.ResponseWriter, r *http.Request) {
	var v model.Vehicle
	if err := decode(r, &v); err != nil {
		writeErr(w, err)
		return
	}
	v.ID = chi.URLParam(r, "id")
	out, created, err := s.Service.PutVehicle(r.Context(), v)
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (s Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteVehicle(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVehicleJobs serves the driver flow: ?status=idle,in_progress
func (s Server) handleVehicleJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []model.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseJobStatus(strings.TrimSpace(part))
			if err != nil {
				writeErr(w, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
			statuses = append(statuses, st)
		}
	}
	jobs, err := s.Service.JobsForVehicle(chi.URLParam(r, "id"), statuses...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Service.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s Server) handlePutJob(w http.ResponseWriter, r *http.Request) {
	var j model.Job
	if err := decode(r, &j); err != nil {
		writeErr(w, err)
		return
	}
	j.ID = chi.URLParam(r, "id")
	out, created, err := s.Service.PutJob(r.Context(), j)
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (s Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	var p StatusPayload
	if err := decode(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	st, err := model.ParseJobStatus(p.Status)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	j, err := s.Service.SetJobStatus(r.Context(), chi.URLParam(r, "id"), st)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
