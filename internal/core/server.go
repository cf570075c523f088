// Package core is the HTTP chassis of billingsync. It builds a chi router
// usable both behind net/http and behind a Lambda Function URL, and applies
// the cross-cutting middleware (recovery, timeouts, request IDs, logging,
// metrics) before requests reach handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/config"
)

// MetricsCollector records per-request telemetry. endpoint is the matched
// route pattern, not the raw path.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes. Handler packages provide these so
// core never imports them.
type RouteRegistrar func(r chi.Router)

// Server carries the dependencies of the HTTP surface.
type Server struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics MetricsCollector

	// HealthProbes are run concurrently by GET /health.
	HealthProbes []HealthProbe

	// RootRouteRegistrars mount outside /v1 (provider webhooks).
	RootRouteRegistrars []RouteRegistrar

	// V1RouteRegistrars mount under /v1.
	V1RouteRegistrars []RouteRegistrar

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	router     *chi.Mux
	onShutdown []func(context.Context) error
}

// NewServer validates the required dependencies and prepares an empty
// router. Callers fill in probes and registrars, then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown, in reverse registration
// order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Shutdown releases registered resources (pools, clients). Every hook runs
// even if an earlier one fails; the errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for i := len(s.onShutdown) - 1; i >= 0; i-- {
		if err := s.onShutdown[i](ctx); err != nil {
			s.Logger.ErrorContext(ctx, "shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return errors.Join(errs...)
}
