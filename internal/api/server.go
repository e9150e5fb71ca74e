package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autopress/internal/domain"
	"autopress/internal/schedule"
	"autopress/internal/store"
)

// Runner dispatches a job execution without blocking the request, reporting
// false when no worker is free. Implemented by trigger.Service.
type Runner interface {
	TryDispatch(ctx context.Context, job domain.Job) bool
}

type Server struct {
	repo   store.Repository
	runner Runner
	now    func() time.Time
}

func NewServer(repo store.Repository, runner Runner) http.Handler {
	return NewServerWithDebug(repo, runner, false)
}

func NewServerWithDebug(repo store.Repository, runner Runner, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{repo: repo, runner: runner, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/jobs", s.createJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Put("/api/jobs/{id}", s.updateJob)
	r.Delete("/api/jobs/{id}", s.deleteJob)
	r.Post("/api/jobs/{id}/run-now", s.runNow)
	r.Post("/api/jobs/{id}/toggle", s.toggleJob)
	r.Get("/api/jobs/{id}/runs", s.listRuns)

	if enableDebug {
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
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("autopress_up 1\n"))
}

type jobReq struct {
	Name            string          `json:"name"`
	ScheduleKind    string          `json:"schedule_kind"`
	ScheduledTime   string          `json:"scheduled_time"`
	Weekday         *int            `json:"weekday"`
	IntervalMinutes *int            `json:"interval_minutes"`
	CronExpr        string          `json:"cron_expr"`
	Strategy        string          `json:"strategy"`
	IsActive        *bool           `json:"is_active"`
	MaxRuns         *int            `json:"max_runs"`
	Payload         json.RawMessage `json:"payload"`
}

func validStrategy(s domain.StrategyKind) bool {
	switch s {
	case domain.StrategyPrompt, domain.StrategySystem, domain.StrategyManual, domain.StrategyBatch:
		return true
	}
	return false
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}

	job := domain.Job{
		Name:          req.Name,
		Schedule:      domain.ScheduleKind(req.ScheduleKind),
		ScheduledTime: req.ScheduledTime,
		CronExpr:      req.CronExpr,
		Strategy:      domain.StrategyKind(req.Strategy),
		IsActive:      true,
		Payload:       req.Payload,
	}
	if req.Weekday != nil {
		job.Weekday = *req.Weekday
	}
	if req.IntervalMinutes != nil {
		job.IntervalMinutes = *req.IntervalMinutes
	}
	if req.MaxRuns != nil {
		job.MaxRuns = *req.MaxRuns
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if !validStrategy(job.Strategy) {
		http.Error(w, "unknown strategy", 400)
		return
	}
	if err := schedule.Validate(job); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	job.NextRun = schedule.NextRun(job, s.now())

	id, err := s.repo.CreateJob(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.ListJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req jobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		job.Name = req.Name
	}
	if req.ScheduleKind != "" {
		job.Schedule = domain.ScheduleKind(req.ScheduleKind)
	}
	if req.ScheduledTime != "" {
		job.ScheduledTime = req.ScheduledTime
	}
	if req.Weekday != nil {
		job.Weekday = *req.Weekday
	}
	if req.IntervalMinutes != nil {
		job.IntervalMinutes = *req.IntervalMinutes
	}
	if req.CronExpr != "" {
		job.CronExpr = req.CronExpr
	}
	if req.Strategy != "" {
		job.Strategy = domain.StrategyKind(req.Strategy)
		if !validStrategy(job.Strategy) {
			http.Error(w, "unknown strategy", 400)
			return
		}
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.MaxRuns != nil {
		job.MaxRuns = *req.MaxRuns
	}
	if req.Payload != nil {
		job.Payload = req.Payload
	}
	if err := schedule.Validate(job); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	job.NextRun = schedule.NextRun(job, s.now())

	if err := s.repo.UpdateJob(r.Context(), job); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !job.IsActive {
		http.Error(w, "job is inactive", 409)
		return
	}

	// Execution outlives the request.
	if !s.runner.TryDispatch(context.WithoutCancel(r.Context()), job) {
		http.Error(w, "all workers busy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "state": "accepted"})
}

func (s *Server) toggleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	job.IsActive = !job.IsActive
	var next *time.Time
	if job.IsActive {
		next = schedule.NextRun(job, s.now())
	}
	if err := s.repo.SetJobActive(r.Context(), job.ID, job.IsActive, next); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"id": job.ID, "is_active": job.IsActive, "next_run": next})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.repo.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, runs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
