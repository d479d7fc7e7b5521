// Package server exposes the engine over HTTP: health, metrics, search,
// and graph-analysis endpoints on a chi router.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codegraph-backend/internal/analysis"
	"codegraph-backend/internal/backup"
	"codegraph-backend/internal/config"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/pipeline"
	"codegraph-backend/internal/search"
	"codegraph-backend/internal/store"
)

// Deps carries the engine components the HTTP surface exposes. Backups and
// Ingest are optional; their routes 404 when absent.
type Deps struct {
	Entities *store.EntityStore
	Search   *search.Engine
	Analysis *analysis.Engine
	Backups  *backup.Coordinator
	Ingest   *pipeline.Pipeline
	Health   *observability.Health
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router chi.Router
	http   *http.Server
	logger *zap.Logger
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("http"),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery(s.logger))
	if s.cfg.WriteTimeout > 0 {
		r.Use(Timeout(s.cfg.WriteTimeout))
	}

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Get("/stats", s.handleStats)

		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEntity)
			r.Get("/impact", s.handleImpact)
			r.Get("/dependencies", s.handleDependencies)
			r.Get("/examples", s.handleExamples)
		})
		r.Get("/paths", s.handlePaths)

		if s.deps.Ingest != nil {
			r.Post("/ingest/file", s.handleIngestFile)
			r.Get("/ingest/stats", s.handleIngestStats)
		}
		if s.deps.Backups != nil {
			r.Get("/backups", s.handleListBackups)
			r.Post("/backups", s.handleCreateBackup)
			r.Get("/backups/{id}", s.handleGetBackup)
			r.Get("/backups/{id}/verify", s.handleVerifyBackup)
			r.Post("/backups/{id}/restore/preview", s.handleRestorePreview)
			r.Post("/restore/approve", s.handleRestoreApprove)
			r.Post("/restore/apply", s.handleRestoreApply)
		}
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}
