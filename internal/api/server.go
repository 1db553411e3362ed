package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/config"
	"github.com/JakeFAU/fair-scraper/internal/metrics"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Executor runs a persisted run to completion.
type Executor interface {
	Execute(ctx context.Context, run scrape.Run) (scrape.Run, error)
}

// Enqueuer accepts runs for background execution without blocking.
type Enqueuer interface {
	TryEnqueue(item scrape.QueueItem) error
}

// Server wires HTTP handlers to the executor, queue, and run store.
type Server struct {
	router   chi.Router
	store    scrape.RunStore
	executor Executor
	queue    Enqueuer
	idGen    scrape.IDGenerator
	clock    scrape.Clock
	cfg      config.Config
	logger   *zap.Logger
	ready    atomic.Bool
}

// NewServer constructs a Server with middleware and routes. A nil queue
// leaves the /v1/jobs routes unmounted.
func NewServer(
	store scrape.RunStore,
	executor Executor,
	queue Enqueuer,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		executor: executor,
		queue:    queue,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape_json", s.scrapeJSON)
		r.Post("/scrape", s.scrapeExcel)

		if queue != nil {
			r.Route("/v1/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Get("/export", s.exportJob)
				})
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe, e.g. while draining on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// writeError answers with {"detail": detail}; detail is a string or object.
func writeError(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
