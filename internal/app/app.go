// Package app wires the swap engine together and supervises its long-running
// parts: the HTTP server, the transaction tracker, the quote cache sweeper,
// the WebSocket hub and the archiver.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dexswap/internal/config"
	"github.com/alanyoungcy/dexswap/internal/server"
	"github.com/alanyoungcy/dexswap/internal/server/handler"
	"github.com/alanyoungcy/dexswap/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// App owns the configuration, logger and cleanup functions, which run in
// reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks until ctx is cancelled or a component
// fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("store", a.cfg.Store.Backend),
		slog.String("cache", a.cfg.Cache.Backend),
		slog.String("signer", a.cfg.Signer.Mode),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	g.Go(func() error { return deps.Tracker.Run(ctx) })

	if deps.LocalQuotes != nil {
		g.Go(func() error { return deps.LocalQuotes.Run(ctx, a.cfg.Cache.SweepInterval.Duration) })
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration)
		})
	}

	var events *handler.EventsHandler
	if deps.History != nil {
		events = handler.NewEventsHandler(deps.History, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Quotes:     handler.NewQuoteHandler(deps.Router, a.logger),
		Swaps:      handler.NewSwapHandler(deps.Executor, a.logger),
		Executions: handler.NewExecutionHandler(deps.Store, deps.Executor, a.logger),
		Events:     events,
		Metrics:    deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close tears down resources in reverse registration order. Subsequent calls
// are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
