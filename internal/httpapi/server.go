// Package httpapi exposes the tx services over JSON/HTTP: the task graph,
// ready scheduler, worker registry, runs and reaper, learnings with hybrid
// search, anchors, and per-task context.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"tx/internal/anchor"
	"tx/internal/config"
	"tx/internal/learning"
	"tx/internal/logging"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/worker"
)

// validate checks ingress DTO struct tags.
var validate = validator.New()

// Services bundles everything the handlers call.
type Services struct {
	Store     *store.Store
	Engine    *task.Engine
	Scheduler *task.Scheduler
	Registry  *worker.Registry
	Runs      *run.Service
	Reaper    *run.Reaper
	Learnings *learning.Service
	Feedback  *learning.FeedbackTracker
	Context   *learning.ContextAssembler
	Anchors   *anchor.Verifier
}

// Server is the HTTP boundary.
type Server struct {
	cfg config.Config
	svc Services
	log *zap.Logger

	httpServer *http.Server
}

// NewServer wires the router and middleware stack.
func NewServer(cfg config.Config, svc Services, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, svc: svc, log: log}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi mux with the full middleware stack and route set.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", requestIDHeader},
		MaxAge:         300,
	}))
	if s.cfg.RateLimit.Enabled {
		limiter := newRateLimiter(s.cfg.RateLimit, s.cfg.Server.TrustProxy)
		r.Use(limiter.middleware)
	}
	r.Use(apiKeyAuth(s.cfg.Server.APIKey))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/ready", s.handleReadyTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Patch("/", s.handleUpdateTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/done", s.handleDoneTask)
			r.Post("/block", s.handleAddBlocker)
			r.Delete("/block/{blockerId}", s.handleRemoveBlocker)
			r.Get("/tree", s.handleTaskTree)
			r.Post("/claim", s.handleClaimTask)
			r.Delete("/claim", s.handleReleaseTask)
		})
	})

	r.Route("/api/learnings", func(r chi.Router) {
		r.Get("/", s.handleSearchLearnings)
		r.Post("/", s.handleCreateLearning)
		r.Get("/{id}", s.handleGetLearning)
		r.Delete("/{id}", s.handleDeleteLearning)
		r.Post("/{id}/helpful", s.handleLearningHelpful)
	})
	r.Get("/api/context/{taskId}", s.handleTaskContext)
	r.Get("/api/file-learnings", s.handleFileLearnings)
	r.Post("/api/file-learnings", s.handleCreateFileLearning)

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Get("/stalled", s.handleStalledRuns)
		r.Post("/stalled/reap", s.handleReapRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Patch("/", s.handleUpdateRun)
			r.Post("/heartbeat", s.handleRunHeartbeat)
			r.Post("/feedback", s.handleRunFeedback)
		})
	})

	r.Route("/api/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Post("/", s.handleRegisterWorker)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorker)
			r.Delete("/", s.handleDeregisterWorker)
			r.Post("/heartbeat", s.handleWorkerHeartbeat)
		})
	})

	r.Route("/api/anchors", func(r chi.Router) {
		r.Post("/", s.handleCreateAnchor)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAnchor)
			r.Post("/verify", s.handleVerifyAnchor)
			r.Post("/restore", s.handleRestoreAnchor)
			r.Post("/pin", s.handlePinAnchor)
			r.Get("/history", s.handleAnchorHistory)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Get(logging.CategoryAPI).Info("HTTP API listening on %s", s.cfg.Server.ListenAddr)
	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"vectorIndex": s.svc.Store.VectorIndexAvailable(),
	})
}
