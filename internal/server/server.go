// Package server exposes the operator API: action review, on-demand passes,
// force-close, history and the live event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/server/handler"
	"github.com/alanyoungcy/ledgersync/internal/server/middleware"
	"github.com/alanyoungcy/ledgersync/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey disables authentication when empty.
	APIKey string
	// RateLimit is requests per client per minute; 0 disables the limit.
	RateLimit int
}

// Handlers aggregates the handlers the server routes to.
type Handlers struct {
	Health    *handler.HealthHandler
	Actions   *handler.ActionHandler
	Reconcile *handler.ReconcileHandler
	History   *handler.HistoryHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP and websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter and obs may be nil.
func NewServer(
	cfg Config,
	h Handlers,
	hub *ws.Hub,
	limiter domain.RateLimiter,
	obs middleware.RequestObserver,
	logger *slog.Logger,
) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/actions", h.Actions.ListActions)
	mux.HandleFunc("GET /api/actions/{id}", h.Actions.GetAction)
	mux.HandleFunc("POST /api/actions/{id}/ack", h.Actions.AcknowledgeAction)

	mux.HandleFunc("GET /api/divergences", h.Reconcile.Divergences)
	mux.HandleFunc("POST /api/reconcile", h.Reconcile.Reconcile)
	mux.HandleFunc("POST /api/trades/{id}/close", h.Reconcile.CloseTrade)

	mux.HandleFunc("GET /api/writes", h.History.ListWrites)
	mux.HandleFunc("GET /api/audit", h.History.ListAudit)
	mux.HandleFunc("GET /api/events", h.History.ListEvents)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(chain)
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(chain)
	}
	chain = middleware.Logging(logger, obs)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     chain,
			ReadTimeout: 15 * time.Second,
			// Passes triggered over the API wait for fills.
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
