// Package http serves the diagnostics surface: Prometheus metrics, health
// probes, a read-mostly JSON API over the scheduler's state and a websocket
// mirror of the broadcast channel. Job submission stays on the wire protocol;
// the only mutation exposed here is cancellation.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/core/services"
)

type Server struct {
	router  *chi.Mux
	sched   *services.Scheduler
	scanner *services.ModelScanner
	archive ports.JobArchive // optional, nil when no database is configured
	hub     *Hub
	version string
	started time.Time

	srv *http.Server
}

func NewServer(sched *services.Scheduler, scanner *services.ModelScanner, archive ports.JobArchive, hub *Hub, version string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		sched:   sched,
		scanner: scanner,
		archive: archive,
		hub:     hub,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleLiveness)

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/models", s.handleModels)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/archive", s.handleArchive)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})
}

func (s *Server) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queued, running := s.sched.Counts()
	SetQueueGauges(queued, running)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":            s.version,
		"queued":             queued,
		"running":            running,
		"throughput_per_min": s.sched.Throughput(),
		"uptime_seconds":     time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scanner.Scan())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, `{"error": "no archive configured"}`, http.StatusNotImplemented)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}
	jobs, err := s.archive.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.sched.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sched.Cancel(id) {
		http.Error(w, `{"error": "job not found or already terminal"}`, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.JobStatusCancelled), "job_id": id})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
