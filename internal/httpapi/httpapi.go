// Package httpapi implements the C8 HTTP control plane: enqueue, list,
// get, cancel/stop/kill/restart, log and event retrieval, and stats
// endpoints (spec §4.8). Grounded on the teacher's plain http.ServeMux
// handlers in services/orchestrator/main.go, rebuilt on go-chi/chi and
// go-chi/cors the way the pack's kubernaut and r3e services route HTTP,
// and validated with go-playground/validator/v10 for the request-body
// checks the teacher's handlers did ad hoc.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/scriptguard/runner/internal/eventlog"
	"github.com/scriptguard/runner/internal/history"
	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/platform/resilience"
	"github.com/scriptguard/runner/internal/runregistry"
	"github.com/scriptguard/runner/internal/workflow"
)

// WorkflowRunner builds and runs a DAG to completion, the C6 collaborator
// the control plane delegates workflow submissions to.
type WorkflowRunner interface {
	Run(ctx context.Context, dag *workflow.DAG) model.WorkflowResult
}

// deniedEnvVars are stripped from any inbound run request regardless of
// what the client sent, since inheriting them from an untrusted caller
// could change subprocess trust boundaries.
var deniedEnvVars = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"PYTHONPATH":      true,
}

// Executor starts a run asynchronously and returns its run id immediately.
type Executor interface {
	Submit(ctx context.Context, req model.RunRequest) (string, error)
}

// Server wires the control-plane HTTP handlers.
type Server struct {
	registry *runregistry.Registry
	history  *history.Store
	executor Executor
	workflow WorkflowRunner
	validate *validator.Validate
	log      *slog.Logger
	router   chi.Router
	limiter  *resilience.RateLimiter
}

// New builds the chi router with CORS and request-id middleware, mirroring
// the teacher's middleware-chain pattern from services/api-gateway.
// workflowRunner may be nil, in which case /api/workflows responds 503.
// Enqueue traffic is throttled by a shared token-bucket-plus-window
// RateLimiter: 10 requests/sec burst capacity, capped at 600/minute.
func New(registry *runregistry.Registry, hist *history.Store, executor Executor, workflowRunner WorkflowRunner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		registry: registry,
		history:  hist,
		executor: executor,
		workflow: workflowRunner,
		validate: validator.New(),
		log:      log,
		limiter:  resilience.NewRateLimiter(10, 10, time.Minute, 600),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/run", s.handleEnqueue)
	r.Get("/api/runs", s.handleList)
	r.Get("/api/runs/{runID}", s.handleGet)
	r.Post("/api/runs/{runID}/cancel", s.handleCancel)
	r.Post("/api/runs/{runID}/stop", s.handleStop)
	r.Post("/api/runs/{runID}/kill", s.handleKill)
	r.Post("/api/runs/{runID}/restart", s.handleRestart)
	r.Get("/api/runs/{runID}/logs", s.handleLogs)
	r.Get("/api/runs/{runID}/events", s.handleEvents)
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/workflows", s.handleWorkflowRun)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "enqueue rate limit exceeded")
		return
	}
	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for k := range req.Env {
		if deniedEnvVars[k] {
			delete(req.Env, k)
		}
	}

	// Submit (internal/engine.Engine.Submit) generates the run id, registers
	// it with the registry itself, and runs it in a detached goroutine —
	// registering a second time here would create a client-visible record
	// under a different id than the one that actually executes.
	runID, err := s.executor.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.registry.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rec, ok, err := s.registry.Get(r.Context(), runID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.registry.Cancel(runID, false) {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleCancel(w, r)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.registry.Cancel(runID, true) {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "kill requested"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rec, ok, err := s.registry.Get(r.Context(), runID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	newRunID, err := s.executor.Submit(r.Context(), rec.Request)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to restart run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": newRunID})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rec, ok, err := s.registry.Get(r.Context(), runID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if rec.Result == nil {
		writeJSON(w, http.StatusOK, map[string]string{"stdout": "", "stderr": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stdout": rec.Result.StdoutText, "stderr": rec.Result.StderrText})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	events := s.registry.Events(runID)
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	if s.workflow == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow engine not configured")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	def, err := workflow.ParseDefinition(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dag, err := workflow.Build(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := s.workflow.Run(r.Context(), dag)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.DatabaseStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
