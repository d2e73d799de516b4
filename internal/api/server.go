package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"molrender/internal/command"
	"molrender/internal/config"
	"molrender/internal/engine"
	"molrender/internal/models"
	"molrender/internal/ratelimit"
	"molrender/internal/render"
	"molrender/internal/telemetry"
	"molrender/internal/ws"
)

// Server wires HTTP handlers for the orchestrator core.
type Server struct {
	cfg      config.Config
	manager  *engine.Manager
	commands *command.Service
	queue    *render.Queue
	hub      *ws.Hub
	limiter  *ratelimit.SessionLimiter
}

// New constructs the API server. limiter may be nil (no rate limiting).
func New(cfg config.Config, manager *engine.Manager, commands *command.Service, queue *render.Queue, hub *ws.Hub, limiter *ratelimit.SessionLimiter) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		commands: commands,
		queue:    queue,
		hub:      hub,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get(s.cfg.WSPath, s.hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/processes", s.handleSpawn)
		r.Get("/processes", s.handleListProcesses)
		r.Get("/processes/{id}", s.handleGetProcess)
		r.Delete("/processes/{id}", s.handleTerminate)
		r.Post("/processes/cleanup", s.handleCleanup)

		r.Post("/sessions/{id}/command", s.handleCommand)
		r.Post("/sessions/{id}/commands", s.handleCommandSequence)
		r.Get("/sessions/{id}/history", s.handleHistory)
		r.Delete("/sessions/{id}/history", s.handleClearHistory)
		r.Get("/commands", s.handleCommandDocs)

		r.Post("/sessions/{id}/snapshot", s.handleSnapshot)
		r.Post("/sessions/{id}/movie", s.handleMovie)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/jobs/{id}/file", s.handleJobArtifact)
	})
	return r
}

type spawnRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means generated id
	}

	proc, err := s.manager.Spawn(r.Context(), req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrResourceExhausted):
			// Retryable later, distinct from a broken host.
			writeError(w, http.StatusServiceUnavailable, "capacity", err.Error())
		case errors.Is(err, engine.ErrDuplicateSession):
			writeError(w, http.StatusConflict, "duplicate_session", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "launch_failure", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, proc)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": s.manager.List()})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proc, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no process for session "+id)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.Terminate(id) {
		writeError(w, http.StatusNotFound, "not_found", "no process for session "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"terminated": true})
}

type cleanupRequest struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	timeout := s.cfg.EngineIdleTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	reaped := s.manager.ReapIdle(timeout)
	writeJSON(w, http.StatusOK, map[string]int{"terminated": reaped})
}

type commandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.allow(w, r, sessionID, commandCost) {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "command is required")
		return
	}

	result, err := s.commands.Execute(r.Context(), sessionID, req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil && errors.Is(err, engine.ErrProcessNotFound) {
		writeError(w, http.StatusNotFound, "not_found", result.Error)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type commandSequenceRequest struct {
	Commands []string `json:"commands"`
}

func (s *Server) handleCommandSequence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req commandSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Commands) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "commands is required")
		return
	}
	if !s.allow(w, r, sessionID, commandCost*float64(len(req.Commands))) {
		return
	}

	results := s.commands.ExecuteSequence(r.Context(), sessionID, req.Commands)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	records := s.commands.History(sessionID, limit, offset)
	if records == nil {
		records = []models.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.commands.ClearHistory(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleCommandDocs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": command.Docs()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.handleRender(w, r, false)
}

func (s *Server) handleMovie(w http.ResponseWriter, r *http.Request) {
	s.handleRender(w, r, true)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request, movie bool) {
	sessionID := chi.URLParam(r, "id")
	if !s.allow(w, r, sessionID, renderCost) {
		return
	}
	var params models.RenderParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	var job models.RenderingJob
	var err error
	if movie {
		job, err = s.queue.CreateMovie(r.Context(), sessionID, params)
	} else {
		job, err = s.queue.CreateSnapshot(r.Context(), sessionID, params)
	}
	if err != nil {
		switch {
		case errors.Is(err, render.ErrUnknownSession):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, render.ErrBadParams):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List(r.URL.Query().Get("session_id"))
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no job "+id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.Delete(id) {
		writeError(w, http.StatusNotFound, "not_found", "no job "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleJobArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, ok := s.queue.ArtifactPath(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no artifact for job "+id)
		return
	}
	http.ServeFile(w, r, path)
}

// Token costs per operation class. A render job ties up the engine far longer
// than a single command, so it drains the bucket faster.
const (
	commandCost = 1
	renderCost  = 5
)

// allow applies the per-session rate limit when a limiter is configured,
// charging cost tokens against the session bucket.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, sessionID string, cost float64) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowN(r.Context(), sessionID, cost)
	if err != nil {
		// A limiter outage must not take the API down with it.
		log.Printf("api: rate limiter unavailable, allowing request: %v", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests for session")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": msg})
}
