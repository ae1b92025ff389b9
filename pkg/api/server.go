// Package api exposes the engine, the resource lifecycle, the reconciliation findings and the
// metrics snapshot over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/metrics"
	"github.com/openfroyo/ispflow/pkg/reconcile"
	"github.com/openfroyo/ispflow/pkg/telemetry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the part of the saga engine served by the API.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (*engine.WorkflowRun, error)
	Get(ctx context.Context, runID string) (*engine.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) (*engine.WorkflowRun, error)
}

// Resources reads managed resources and their transition history.
type Resources interface {
	Get(ctx context.Context, id string) (*lifecycle.Resource, error)
	History(ctx context.Context, id string) ([]lifecycle.Transition, error)
}

// FindingSource returns recent reconciliation findings.
type FindingSource interface {
	Findings(since time.Time) []reconcile.Finding
}

// Snapshotter returns the operational snapshot.
type Snapshotter interface {
	Snapshot() (*metrics.Snapshot, error)
}

// HealthCheck reports whether the service can serve requests.
type HealthCheck func(ctx context.Context) error

// Config holds the HTTP listener settings.
type Config struct {
	Addr           string        `yaml:"addr" json:"addr" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	CORSOrigins    []string      `yaml:"cors_origins" json:"cors_origins"`
}

// DefaultConfig listens on :8080.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 25 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithResources serves resource lifecycle lookups.
func WithResources(r Resources) Option {
	return func(s *Server) { s.resources = r }
}

// WithFindings serves reconciliation findings.
func WithFindings(f FindingSource) Option {
	return func(s *Server) { s.findings = f }
}

// WithSnapshot serves the metrics snapshot.
func WithSnapshot(sn Snapshotter) Option {
	return func(s *Server) { s.snapshot = sn }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck sets the /healthz probe.
func WithHealthCheck(h HealthCheck) Option {
	return func(s *Server) { s.health = h }
}

// WithTelemetry sets the request logger.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = t }
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg       Config
	engine    Engine
	resources Resources
	findings  FindingSource
	snapshot  Snapshotter
	gatherer  prometheus.Gatherer
	health    HealthCheck
	tel       *telemetry.Telemetry
	log       zerolog.Logger
	router    chi.Router
}

// NewServer builds the router. Endpoints whose backing component was not supplied answer
// 501.
func NewServer(eng Engine, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		engine: eng,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}
	s.log = s.tel.Component("api")
	s.router = chi.NewRouter()
	s.setupMiddlewareChain()
	s.setupRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddlewareChain() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.setupCORS())
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
}

func (s *Server) setupCORS() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.Handler(opts)
}

func (s *Server) setupRouter() {
	s.router.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/workflows/start", s.handleStart)

		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancel)
		r.Post("/runs/{runID}/resume", s.handleResume)
		r.Get("/resources/{resourceID}/lifecycle", s.handleLifecycle)
		r.Get("/reconciliation/findings", s.handleFindings)
		r.Get("/metrics/snapshot", s.handleSnapshot)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Serve listens on the configured address until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve HTTP API: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	s.log.Info().Msg("Stopping HTTP API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP API: %w", err)
	}
	return nil
}
