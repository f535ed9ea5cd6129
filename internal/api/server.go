// SPDX-License-Identifier: MIT

// Package api exposes the read and ops surface over the catalog services.
// Routing and parameter parsing live here; all semantics live in the
// services the handlers call.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/api/middleware"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/health"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/navigate"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/task"
)

// Config carries the server tunables.
type Config struct {
	// TracingService enables the tracing middleware when non-empty.
	TracingService string
	// RateLimitRPS bounds requests per second per client; 0 disables.
	RateLimitRPS int
	// RateLimitBurst tolerates short spikes above the sustained rate.
	RateLimitBurst int
	// ShutdownGrace bounds the drain on shutdown. Defaults to 10s.
	ShutdownGrace time.Duration
}

// Deps bundles the services the handlers delegate to. Broker may be nil;
// the status endpoint then omits queue depths.
type Deps struct {
	Videos   *library.VideoStore
	Tasks    *task.Repository
	Policies *selection.Manager
	Navigate *navigate.Service
	Orch     *orchestrator.Orchestrator
	Broker   *broker.Broker
	Health   *health.Manager
}

// Server is the HTTP API over the vidgrep catalog.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New builds a server. The health manager falls back to an empty one so
// probe routes always exist.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Server {
	if deps.Health == nil {
		deps.Health = health.NewManager("")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router assembles the middleware stack and the route table.
func (s *Server) Router() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		RateLimitRPS:          s.cfg.RateLimitRPS,
		RateLimitBurst:        s.cfg.RateLimitBurst,
	})

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/status", s.handleStatus)
		r.Get("/jump", s.handleGlobalJump)

		r.Route("/videos", func(r chi.Router) {
			r.Get("/", s.handleListVideos)

			r.Route("/{videoID}", func(r chi.Router) {
				r.Get("/", s.handleGetVideo)
				r.Get("/tasks", s.handleVideoTasks)
				r.Post("/retry", s.handleRetryVideo)
				r.Get("/jump", s.handleJump)
				r.Get("/find", s.handleFind)
				r.Get("/policies/{kind}", s.handleGetPolicy)
				r.Put("/policies/{kind}", s.handlePutPolicy)
				r.Delete("/policies/{kind}", s.handleDeletePolicy)
			})
		})
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the configured grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("event", "api.listening").Str("addr", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Str("event", "api.stopped").Msg("API server stopped")
	return <-errCh
}
