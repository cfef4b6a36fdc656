// Package api provides the HTTP and websocket service for sharescan. It
// hosts a local worker for remote controllers, REST job listing and
// cancellation, and the browse/search interface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/sharescan/internal/api/handlers"
	"github.com/anstrom/sharescan/internal/api/middleware"
	"github.com/anstrom/sharescan/internal/browse"
	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/worker"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	worker     worker.Worker
	browse     *browse.Manager
	jobs       *apihandlers.JobStore
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	build      apihandlers.BuildInfo
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the Prometheus collectors served at the metrics path.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBuildInfo sets what the version endpoint reports.
func WithBuildInfo(b apihandlers.BuildInfo) Option {
	return func(s *Server) { s.build = b }
}

// New creates a new API server instance around w and manager.
func New(cfg *config.Config, w worker.Worker, manager *browse.Manager, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if w == nil {
		return nil, fmt.Errorf("worker is required")
	}

	server := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		worker:  w,
		browse:  manager,
		jobs:    apihandlers.NewJobStore(cfg.API.JobHistory),
		logger:  logging.Default(),
		metrics: metrics.GetGlobalMetrics(),
		build:   apihandlers.BuildInfo{Version: "dev"},
	}
	for _, opt := range opts {
		opt(server)
	}
	server.logger = server.logger.WithComponent("api")

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      server.handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}
	return server, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"auth", len(s.config.API.APIKeyHashes) > 0)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server and cancels jobs still streaming.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// Jobs returns the job store backing the scan endpoints.
func (s *Server) Jobs() *apihandlers.JobStore {
	return s.jobs
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	var stats apihandlers.StatsSource
	if src, ok := s.worker.(apihandlers.StatsSource); ok {
		stats = src
	}

	health := apihandlers.NewHealthHandler(s.build, stats, s.jobs, s.browse)
	if s.metrics != nil {
		health.SetMetrics(s.metrics)
	}
	scans := apihandlers.NewScanHandler(s.worker, s.jobs, s.logger)
	stream := apihandlers.NewStreamHandler(s.worker, s.jobs, s.logger, s.config.API.CORS.AllowedOrigins)
	stream.SetKeepalive(worker.Keepalive{PongWait: s.config.API.StreamKeepalive})

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods("GET")
	api.HandleFunc("/health", health.Health).Methods("GET")
	api.HandleFunc("/version", health.Version).Methods("GET")

	api.Handle("/scans/stream", stream).Methods("GET")
	api.HandleFunc("/scans", scans.ListScans).Methods("GET")
	api.HandleFunc("/scans", scans.StartScan).Methods("POST")
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods("GET")
	api.HandleFunc("/scans/{id}", scans.CancelScan).Methods("DELETE")

	if s.browse != nil {
		b := apihandlers.NewBrowseHandler(s.browse, s.logger)
		api.HandleFunc("/browse", b.ListSessions).Methods("GET")
		api.HandleFunc("/browse", b.OpenSession).Methods("POST")
		api.HandleFunc("/browse/{id}", b.GetSession).Methods("GET")
		api.HandleFunc("/browse/{id}", b.CloseSession).Methods("DELETE")
		api.HandleFunc("/browse/{id}/ls", b.ListDirectory).Methods("GET")
		api.HandleFunc("/browse/{id}/search", b.Search).Methods("GET")
	}

	if s.config.Metrics.Enabled && s.metrics != nil {
		s.router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).Methods("GET")
	}
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	}
	if s.metrics != nil {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	if len(s.config.API.APIKeyHashes) > 0 {
		verifier := middleware.NewKeyVerifier(s.config.API.APIKeyHashes)
		s.router.Use(middleware.Authentication(verifier, s.logger))
	}
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.MaxBodySize(s.config.API.MaxRequestSize))

	s.handler = s.router
	if cors := s.config.API.CORS; cors.Enabled {
		s.handler = handlers.CORS(
			handlers.AllowedOrigins(cors.AllowedOrigins),
			handlers.AllowedMethods(cors.AllowedMethods),
			handlers.AllowedHeaders(cors.AllowedHeaders),
		)(s.router)
	}
}
