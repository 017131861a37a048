// Package server exposes the stores and the task API over HTTP, plus a
// WebSocket stream of scheduler dispatch events.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/ogyrec-o/rune-companion/internal/config"
	"github.com/ogyrec-o/rune-companion/internal/planner"
	"github.com/ogyrec-o/rune-companion/internal/scheduler"
	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// Server is the companion HTTP API.
type Server struct {
	cfg      config.ServerConfig
	memories storage.MemoryStore
	facts    storage.FactStore
	tasks    storage.TaskStore
	exec     *planner.Executor
	hub      *EventHub
	router   chi.Router
	limiter  *rate.Limiter
	started  time.Time
	version  string
}

// New creates a Server. exec may be nil, in which case the plan endpoint is
// not registered.
func New(cfg config.ServerConfig, memories storage.MemoryStore, facts storage.FactStore, tasks storage.TaskStore, exec *planner.Executor, version string) *Server {
	s := &Server{
		cfg:      cfg,
		memories: memories,
		facts:    facts,
		tasks:    tasks,
		exec:     exec,
		hub:      NewEventHub(),
		started:  time.Now(),
		version:  version,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.routes()
	return s
}

// Hub returns the event hub, for wiring scheduler dispatch broadcasts.
func (s *Server) Hub() *EventHub { return s.hub }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(securityHeaders)
	r.Use(s.rateLimit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/stats", s.handleStats)
			r.Get("/memories", s.handleListMemories)
			r.Get("/facts", s.handleListFacts)
			r.Get("/tasks/open", s.handleOpenTasks)
			r.Post("/tasks/message", s.handleScheduleMessage)
			r.Post("/tasks/answer", s.handleCaptureAnswer)
			if s.exec != nil {
				r.Post("/plan", s.handleApplyPlan)
			}
		})
	})

	r.Handle("/ws", s.hub)

	s.router = r
}

// Start listens on the configured address and serves until ctx is cancelled.
// Returns the actual listen address, useful with port 0 in tests.
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		s.hub.Stop()
	}()

	addr := listener.Addr().String()
	log.Printf("server: listening on %s", addr)
	return addr, nil
}

// securityHeaders sets the usual response hardening headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// requireAuth enforces bearer token authentication. An empty configured token
// disables the check.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	memories, err := s.memories.CountMemories(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	facts, err := s.facts.CountFacts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := map[string]interface{}{
		"memories":   memories,
		"facts":      facts,
		"ws_clients": s.hub.subscriberCount(),
	}
	if s.tasks != nil {
		tasks, err := s.tasks.CountTasks(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["tasks"] = tasks
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := storage.MemoryQuery{
		SubjectType: types.SubjectType(r.URL.Query().Get("subject_type")),
		SubjectID:   r.URL.Query().Get("subject_id"),
		Tag:         r.URL.Query().Get("tag"),
		Limit:       queryInt(r, "limit", 20),
	}
	items, err := s.memories.QueryMemories(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	q := storage.FactQuery{
		SubjectType: types.SubjectType(r.URL.Query().Get("subject_type")),
		SubjectID:   r.URL.Query().Get("subject_id"),
		Tag:         r.URL.Query().Get("tag"),
		Limit:       queryInt(r, "limit", 20),
	}
	items, err := s.facts.QueryFacts(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleOpenTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id required")
		return
	}
	items, err := s.tasks.ListOpenTasksForUser(r.Context(), userID, queryInt(r, "limit", 16))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleScheduleMessage(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	var req struct {
		Description string  `json:"description"`
		ToUserID    string  `json:"to_user_id"`
		RoomID      string  `json:"room_id"`
		FromUserID  string  `json:"from_user_id"`
		RunAfter    string  `json:"run_after"`
		Importance  float64 `json:"importance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Description == "" {
		respondError(w, http.StatusBadRequest, "description required")
		return
	}

	var runAfter time.Duration
	if req.RunAfter != "" {
		d, err := time.ParseDuration(req.RunAfter)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid run_after duration")
			return
		}
		runAfter = d
	}

	id, err := scheduler.ScheduleSimpleMessage(r.Context(), s.tasks, scheduler.SimpleMessageParams{
		Description: req.Description,
		ToUserID:    req.ToUserID,
		RoomID:      req.RoomID,
		FromUserID:  req.FromUserID,
		RunAfter:    runAfter,
		Importance:  req.Importance,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"task_id": id})
}

func (s *Server) handleCaptureAnswer(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		RoomID string `json:"room_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.RoomID == "" {
		respondError(w, http.StatusBadRequest, "user_id and room_id required")
		return
	}

	task, err := scheduler.CaptureAnswer(r.Context(), s.tasks, req.UserID, req.RoomID, req.Text)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"captured": task != nil}
	if task != nil {
		resp["task_id"] = task.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApplyPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string          `json:"user_id"`
		RoomID     string          `json:"room_id"`
		Transcript string          `json:"transcript"`
		Plan       json.RawMessage `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Plan) == 0 {
		respondError(w, http.StatusBadRequest, "plan required")
		return
	}

	plan, err := planner.ParsePlan(req.Plan)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	report := s.exec.Apply(r.Context(), plan, planner.DialogContext{
		UserID:     req.UserID,
		RoomID:     req.RoomID,
		Transcript: req.Transcript,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"applied": report.Applied,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
