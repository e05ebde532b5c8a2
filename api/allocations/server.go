// Package allocations exposes the allocation service over HTTP and streams
// change events over a websocket.
package allocations

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/logger"
)

// Server holds the handler dependencies.
type Server struct {
	Service *allocation.Service
	Events  fanout.Subscriber
	// Token enables bearer authentication when non-empty.
	Token string
	Log   logger.Logger
}

// Router returns the HTTP handler.
func (s Server) Router() http.Handler {
	log := logger.OrNop(s.Log)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(bearer(s.Token))
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/vehicles/{vehicleID}/jobs/{jobID}", s.handleAssign)
			r.Delete("/vehicles/{vehicleID}/jobs/{jobID}", s.handleUnassign)
			r.Post("/moves", s.handleMove)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/events", s.handleEvents)
			r.Get("/log", s.handleLog)
		})
		r.Route("/vehicles/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetVehicle)
			r.Put("/", s.handlePutVehicle)
			r.Delete("/", s.handleDeleteVehicle)
			r.Get("/jobs", s.handleVehicleJobs)
		})
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Put("/", s.handlePutJob)
			r.Delete("/", s.handleDeleteJob)
			r.Patch("/status", s.handleJobStatus)
		})
	})
	return r
}

// bearer rejects requests without the token. Websocket clients that cannot
// set headers may pass it as the access_token query parameter.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("access_token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "unauthorized", Code: CodeUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("http request", map[string]any{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
		})
	}
}
