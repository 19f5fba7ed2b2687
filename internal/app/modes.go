package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ledgersync/internal/reconcile"
	"github.com/alanyoungcy/ledgersync/internal/report"
	"github.com/alanyoungcy/ledgersync/internal/server"
	"github.com/alanyoungcy/ledgersync/internal/server/handler"
	"github.com/alanyoungcy/ledgersync/internal/server/middleware"
	"github.com/alanyoungcy/ledgersync/internal/server/ws"
)

// ServeMode runs periodic reconciliation passes, the ledger write-retry
// worker, the broker execution tracker and, when enabled, the HTTP server.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "serve mode starting",
		slog.Duration("interval", a.cfg.Reconcile.Interval.Duration),
		slog.Bool("http", a.cfg.Server.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Engine.Run(ctx, a.cfg.Reconcile.Interval.Duration)
	})

	g.Go(func() error {
		return deps.Writer.Run(ctx, a.cfg.Reconcile.WriteRetryEvery.Duration)
	})

	if deps.Tracker != nil {
		g.Go(func() error {
			if err := deps.Tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Polling in the engine still settles actions without the stream.
				a.logger.ErrorContext(ctx, "execution tracker stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// OnceMode runs a single reconciliation pass, prints the report and returns.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies, opts reconcile.Options) error {
	r, err := deps.Engine.RunPass(ctx, opts)
	if r.PassID != "" {
		report.Pass(a.out, r)
	}
	if err != nil {
		return fmt.Errorf("app: reconcile pass: %w", err)
	}
	if len(r.Errors) > 0 {
		return fmt.Errorf("app: reconcile pass %s finished with %d error(s)", r.PassID, len(r.Errors))
	}
	return nil
}

// startHTTPServer adds the WebSocket hub and the HTTP server to g. The server
// is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(Version, deps.Checks, a.logger),
		Actions:   handler.NewActionHandler(deps.Actions, deps.Audit, a.logger),
		Reconcile: handler.NewReconcileHandler(deps.Engine, a.logger),
		History:   handler.NewHistoryHandler(deps.Writes, deps.Audit, deps.Events, a.logger),
	}
	var obs middleware.RequestObserver
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
		obs = deps.Metrics
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, obs, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
