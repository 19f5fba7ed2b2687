// Package app provides the top-level application lifecycle for ledgersync.
// It wires together the ledger, broker, stores, caches, sinks and the
// reconciliation engine, and starts the goroutines for the configured mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/ledgersync/internal/config"
	"github.com/alanyoungcy/ledgersync/internal/reconcile"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// SetOutput redirects the human-readable pass report printed by once mode.
func (a *App) SetOutput(w io.Writer) {
	a.out = w
}

// Run wires all dependencies, selects the operating mode and blocks until the
// mode finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.RunWith(ctx, reconcile.Options{})
}

// RunWith is Run with pass options; they apply to once mode only.
func (a *App) RunWith(ctx context.Context, opts reconcile.Options) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("version", Version),
		slog.String("ledger", a.cfg.Ledger.Driver),
		slog.String("broker", a.cfg.Broker.Driver),
		slog.String("store", a.cfg.Store.Driver),
	)

	deps, err := a.Wire(ctx)
	if err != nil {
		return err
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "once":
		return a.OnceMode(ctx, deps, opts)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Wire builds the dependencies and registers their cleanup with the App.
func (a *App) Wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
