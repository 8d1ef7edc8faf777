package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"ticksched/internal/job"
	"ticksched/internal/sched"
)

// Kernel is the read side of the scheduler the API reports on.
type Kernel interface {
	Now() sched.Tick
	Tasks() []sched.TaskInfo
	HeapFree() int
}

// Workload is the demo the API drives.
type Workload interface {
	Stats() job.Stats
	Stimulus() error
}

type Server struct {
	k    Kernel
	work Workload
}

// NewServer wires the routes. metrics may be nil, in which case /metrics
// is not mounted.
func NewServer(k Kernel, work Workload, metrics http.Handler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, hlog.NewHandler(log), accessLog, middleware.Recoverer)

	s := &Server{k: k, work: work}

	r.Get("/health", s.health)
	r.Get("/api/tasks", s.tasks)
	r.Get("/api/stats", s.stats)
	r.Post("/api/timer/reset", s.resetTimer)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

var accessLog = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("http request")
})

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type tasksResp struct {
	Tick     sched.Tick       `json:"tick"`
	HeapFree int              `json:"heap_free"`
	Tasks    []sched.TaskInfo `json:"tasks"`
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tasksResp{
		Tick:     s.k.Now(),
		HeapFree: s.k.HeapFree(),
		Tasks:    s.k.Tasks(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.work.Stats())
}

func (s *Server) resetTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.work.Stimulus(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sched.ErrQueueFull) {
			// the timer command queue is full; the client may retry
			code = http.StatusServiceUnavailable
		}
		hlog.FromRequest(r).Warn().Err(err).Msg("timer reset failed")
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"tick":   s.k.Now(),
		"status": "reset",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
