// Package server exposes the signing and packaging core as a JSON API for
// operators.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"

	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/envcheck"
	"github.com/BadgerOps/dtebundle/internal/metrics"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
	"github.com/BadgerOps/dtebundle/internal/store"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

// Packager builds archives. *bundle.Packager satisfies it.
type Packager interface {
	Package(ctx context.Context, jobID string, refs []objref.Ref, archiveName string) (*bundle.Job, error)
}

// URLSigner signs gs:// URIs. *signer.Signer satisfies it.
type URLSigner interface {
	SignURI(ctx context.Context, raw string, opts signer.SignOptions) (*signer.SignedURL, error)
}

// Clock reports the time sync state. *timesync.Validator satisfies it.
type Clock interface {
	Check(ctx context.Context) timesync.Result
	Refresh(ctx context.Context) timesync.Result
}

// EnvChecker reports process readiness. *envcheck.Validator satisfies it.
type EnvChecker interface {
	Validate(ctx context.Context) envcheck.Report
	Status() map[string]string
}

// JobStore reads the job history. *store.Store satisfies it.
type JobStore interface {
	ListJobs(ctx context.Context, state string, limit int) ([]store.JobRecord, error)
	GetJob(ctx context.Context, id string) (*store.JobRecord, error)
}

// Deps are the components the API serves. Jobs may be nil when no history
// is kept.
type Deps struct {
	Packager      Packager
	Signer        URLSigner
	Clock         Clock
	Env           EnvChecker
	Jobs          JobStore
	Metrics       *metrics.Collector
	DefaultBucket string
}

// Server represents the operator HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "server")}
}

// Start serves on listenAddr until Shutdown is called.
func (s *Server) Start(listenAddr string) error {
	hs := &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// Bundles of many objects can take minutes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = hs
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.httpServer
	s.closed = true
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return hs.Shutdown(ctx)
}

// Handler returns the routes wrapped in access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.setupRoutes()
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.CombinedLoggingHandler(accessLog{s.logger}, h)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/bundles", s.handleCreateBundle)
	mux.HandleFunc("POST /api/v1/sign", s.handleSign)

	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/metrics/errors", s.handleMetricsErrors)
	mux.HandleFunc("POST /api/v1/metrics/reset", s.handleMetricsReset)

	mux.HandleFunc("GET /api/v1/timesync", s.handleTimeSync)
	mux.HandleFunc("GET /api/v1/environment", s.handleEnvironment)

	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)

	return mux
}

// accessLog sends gorilla's combined log lines to slog.
type accessLog struct {
	logger *slog.Logger
}

func (a accessLog) Write(p []byte) (int, error) {
	a.logger.Info("request", "access", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.logger.Error("handler panic", "detail", fmt.Sprint(v...))
}
