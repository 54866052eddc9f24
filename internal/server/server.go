// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the REST API and WebSocket endpoint for driving
// model downloads remotely.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"modelvault/pkg/modeldl"
)

// Config holds server configuration.
type Config struct {
	Addr string
	Port int

	// AccessKey and SecretKey authenticate against the coordination
	// service, not against API callers.
	AccessKey string
	SecretKey string

	// Endpoint is the coordination service base URL.
	Endpoint string

	// StorageDir holds downloaded artifacts. Not configurable via API.
	StorageDir string

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "0.0.0.0",
		Port:       8080,
		StorageDir: "./models",
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClientOptions forwards options to the underlying download client,
// for example a post-processing hook.
func WithClientOptions(opts ...modeldl.Option) Option {
	return func(s *Server) { s.clientOpts = opts }
}

// Server exposes a modeldl.Client over HTTP.
type Server struct {
	config     Config
	logger     *zap.Logger
	clientOpts []modeldl.Option

	httpServer *http.Server
	client     *modeldl.Client
	jobs       *JobManager
	wsHub      *WSHub
}

// New creates a server and its download client from cfg.
func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	clientOpts := append([]modeldl.Option{modeldl.WithLogger(s.logger)}, s.clientOpts...)
	client, err := modeldl.New(modeldl.Config{
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Endpoint:   cfg.Endpoint,
		StorageDir: cfg.StorageDir,
	}, clientOpts...)
	if err != nil {
		return nil, err
	}

	s.client = client
	s.wsHub = NewWSHub(s.logger)
	s.jobs = NewJobManager(client, s.wsHub, s.logger)
	return s, nil
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("storage", s.config.StorageDir))

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler builds the full request handler: API routes wrapped in CORS and
// request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Downloads
	mux.HandleFunc("POST /api/download", s.handleStartDownload)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)

	// Local catalog
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /api/models/{id}", s.handleGetModel)
	mux.HandleFunc("DELETE /api/models/{id}", s.handleDeleteModel)
	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)

	// Settings
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)

	// WebSocket
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
