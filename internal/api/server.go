// Package api is the HTTP transport: API-key authentication, per-key rate
// limiting and JSON handlers over the scheduler, orchestrator and
// autonomous services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/autonomous"
	"agentflow/internal/domain"
	"agentflow/internal/metrics"
	"agentflow/internal/orchestrator"
	"agentflow/internal/queue"
	"agentflow/internal/ratelimit"
	"agentflow/internal/scheduler"
)

// JobReader exposes queue state for introspection.
type JobReader interface {
	Get(ctx context.Context, id string) (queue.Job, error)
	Attempts(ctx context.Context, id string) ([]queue.Attempt, error)
}

// Key is one accepted X-API-Key value and the owner it authenticates as.
// RateLimit 0 falls back to Deps.DefaultLimit.
type Key struct {
	Key       string
	Owner     string
	RateLimit int
}

type Deps struct {
	Schedules *scheduler.Service
	Tasks     *orchestrator.Orchestrator
	Sessions  *autonomous.Service
	Jobs      JobReader

	Keys         []Key
	Limiter      ratelimit.Limiter
	DefaultLimit int
	Window       time.Duration

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Debug    bool
}

type Server struct {
	d    Deps
	keys map[string]Key
	log  zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewMemory()
	}
	if d.DefaultLimit <= 0 {
		d.DefaultLimit = ratelimit.DefaultLimit
	}
	if d.Window <= 0 {
		d.Window = ratelimit.DefaultWindow
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{d: d, keys: make(map[string]Key, len(d.Keys)), log: log.With().Str("component", "api").Logger()}
	for _, k := range d.Keys {
		s.keys[k.Key] = k
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate, s.rateLimit)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/run", s.runSchedule)
		r.Get("/schedules/{id}/executions", s.listExecutions)
		r.Post("/schedules/{id}/executions/{execID}/cancel", s.cancelExecution)

		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Patch("/sessions/{id}", s.updateSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Post("/sessions/{id}/continue", s.continueSession)
		r.Post("/sessions/{id}/cancel", s.cancelSession)
		r.Get("/sessions/{id}/iterations", s.listIterations)
		r.Get("/sessions/{id}/observations", s.listObservations)

		r.Get("/jobs/{id}", s.getJob)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.d.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ownsJob(r.Context(), ownerFrom(r.Context()), job); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts, err := s.d.Jobs.Attempts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "attempts": attempts})
}

// ownsJob resolves the entity a job works on and checks that owner may see
// it. Jobs of other owners, or of a kind no service claims, are not found.
func (s *Server) ownsJob(ctx context.Context, owner string, job queue.Job) error {
	var err error
	switch job.Kind {
	case scheduler.KindScheduled:
		_, err = s.d.Schedules.Get(ctx, owner, job.Ref)
	case scheduler.KindManual:
		_, err = s.d.Schedules.GetExecution(ctx, owner, job.Ref)
	case orchestrator.KindStep:
		_, err = s.d.Tasks.Get(ctx, owner, job.Ref)
	case autonomous.KindSession:
		_, err = s.d.Sessions.Get(ctx, owner, job.Ref)
	default:
		err = domain.ErrNotFound
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// bodyError is a request body that could not be decoded.
type bodyError struct{ err error }

func (e *bodyError) Error() string { return "invalid request body: " + e.err.Error() }

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &bodyError{err: err}
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
