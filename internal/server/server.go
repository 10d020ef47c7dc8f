// Package server runs the platelookup admin server. It owns the lookup
// service and exposes health checks, readiness probes, Prometheus metrics,
// an operator lookup endpoint and the cache, quota and breaker controls.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/lookup"
	"github.com/pecahub/platelookup/internal/observability"
)

// Server is the platelookup process: the lookup service plus its admin
// listener.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	adminServer     *http.Server
	svc             *lookup.Service
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a server and the lookup service it exposes.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	svc, err := lookup.NewFromConfig(cfg, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create lookup service: %w", err)
	}
	health.SetCircuitReporter(svc)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		svc:     svc,
		health:  health,
		metrics: metrics,
	}
	s.adminServer = buildAdminServer(cfg, s.routes(reg))
	return s, nil
}

// Service returns the lookup service, for in-process callers.
func (s *Server) Service() *lookup.Service { return s.svc }

// Handler returns the admin HTTP handler.
func (s *Server) Handler() http.Handler { return s.adminServer.Handler }

func (s *Server) routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/startz", s.health.StartzHandler())
	mux.Handle("/healthz", s.health.HealthzHandler())
	mux.Handle("/readyz", s.health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("GET /lookup/{plate}", s.handleLookup)

	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("GET /admin/breaker", s.handleBreakerStatus)
	mux.HandleFunc("POST /admin/breaker/open", s.handleBreakerOpen)
	mux.HandleFunc("POST /admin/breaker/close", s.handleBreakerClose)
	mux.HandleFunc("POST /admin/breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("DELETE /admin/cache", s.handleClearCache)
	mux.HandleFunc("DELETE /admin/cache/{plate}", s.handleClearCache)
	mux.HandleFunc("DELETE /admin/quota", s.handleClearQuota)
	mux.HandleFunc("DELETE /admin/quota/{client}", s.handleClearQuota)

	return withRequestID(mux)
}

func buildAdminServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 15*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Run starts the janitor and the admin server and blocks until ctx is
// canceled, then drains and releases everything.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	s.svc.StartJanitor(context.Background(), janitorInterval(s.cfg))

	errCh := make(chan error, 1)
	readyCh := make(chan struct{})
	go s.startAdminServer(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("platelookup is ready", "version", s.version, "address", s.cfg.Admin.Address)
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)

	ln, err := net.Listen("tcp", s.cfg.Admin.Address)
	if err != nil {
		errCh <- fmt.Errorf("admin server listen: %w", err)
		return
	}
	close(readyCh)

	if err := s.adminServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

// Reload hot-swaps the quota, breaker, cache, dedupe and pacing settings
// and restarts the janitor with the new interval.
func (s *Server) Reload(newCfg *config.Config) {
	s.svc.Reload(newCfg)
	if janitorInterval(newCfg) != janitorInterval(s.cfg) {
		s.svc.StartJanitor(context.Background(), janitorInterval(newCfg))
	}
	s.cfg = newCfg
}

// Close releases the lookup service without running the listener. Use it
// when Run was never called.
func (s *Server) Close() error {
	return s.svc.Close()
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Admin.DrainTimeout, 15*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.svc.Close(); err != nil {
		s.logger.Error("lookup service close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

func janitorInterval(cfg *config.Config) time.Duration {
	return config.MustParseDuration(cfg.Lookup.JanitorInterval, time.Minute)
}
