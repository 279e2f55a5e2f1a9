package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/sitemove/internal/catalog"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/engine"
	"github.com/BadgerOps/sitemove/internal/metrics"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/store"
)

// Server exposes the job trigger surface and the backup catalog over HTTP.
type Server struct {
	sched      *pipeline.Scheduler
	catalog    *catalog.Catalog
	tracker    *engine.Tracker
	metrics    *metrics.Metrics
	store      *store.Store
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server

	// heartbeat is the idle interval of event streams.
	heartbeat time.Duration
}

// NewServer creates a new Server instance.
func NewServer(
	sched *pipeline.Scheduler,
	cat *catalog.Catalog,
	tracker *engine.Tracker,
	m *metrics.Metrics,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = engine.NewTracker()
	}
	return &Server{
		sched:     sched,
		catalog:   cat,
		tracker:   tracker,
		metrics:   m,
		store:     st,
		config:    cfg,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.setupRoutes(),
		ReadTimeout: 15 * time.Minute,
		// Archive downloads and event streams run longer than any fixed
		// write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /api/jobs/export", s.handleStartJob(pipeline.KindExport))
	mux.HandleFunc("POST /api/jobs/import", s.handleStartJob(pipeline.KindImport))
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /api/jobs/{id}/step", s.handleStep)
	mux.HandleFunc("POST /api/jobs/{id}/abort", s.handleAbort)

	// Backup catalog
	mux.HandleFunc("GET /api/backups", s.handleListBackups)
	mux.HandleFunc("DELETE /api/backups/{name}", s.handleDeleteBackup)
	mux.HandleFunc("PUT /api/backups/{name}", s.handleUploadBackup)
	mux.HandleFunc("GET /api/backups/{name}/label", s.handleGetLabel)
	mux.HandleFunc("PUT /api/backups/{name}/label", s.handleSetLabel)
	mux.HandleFunc("GET /api/backups/{name}/download", s.handleDownloadBackup)

	// Transfer history
	mux.HandleFunc("GET /api/transfers", s.handleAPITransfers)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}
