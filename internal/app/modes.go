package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/loopbot/internal/builder"
	"github.com/alanyoungcy/loopbot/internal/manager"
	"github.com/alanyoungcy/loopbot/internal/pricing"
	"github.com/alanyoungcy/loopbot/internal/registry"
	"github.com/alanyoungcy/loopbot/internal/server"
	"github.com/alanyoungcy/loopbot/internal/server/handler"
	"github.com/alanyoungcy/loopbot/internal/server/ws"
	"github.com/alanyoungcy/loopbot/internal/service"
)

// ServeMode builds the full position engine and exposes it over HTTP and
// WebSocket until the context is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	valuation := pricing.New(
		deps.Oracle,
		deps.Tokens,
		deps.PriceCache, // nil without Redis; valuation then always hits the oracle
		a.cfg.Leverage.PriceCacheTTL.Duration,
		a.logger,
	)

	b := builder.New(deps.Lending, deps.Swapper, deps.Tokens, valuation, builder.Config{
		MaxIterations:    a.cfg.Leverage.MaxIterations,
		BorrowHaircutBps: a.cfg.Leverage.BorrowHaircutBps,
		SlippageBps:      a.cfg.Leverage.SlippageBps,
		SwapDeadline:     a.cfg.Leverage.SwapDeadline.Duration,
	}, a.logger)

	mgr := manager.New(deps.Lending, deps.Tokens, valuation, a.logger)
	reg := registry.New(b, a.logger)

	positionSvc := service.NewPositionService(
		reg, mgr,
		deps.PositionStore,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		deps.Notifier,
		a.logger,
	)

	// WebSocket hub needs the signal bus; without Redis the API still works
	// but clients get no push events.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(),
			Positions: handler.NewPositionHandler(positionSvc, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Periodic archive sweep alongside serving when enabled.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ArchiveMode runs the archive sweep on an interval without serving the API.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return errors.New("app: archive mode requires S3 configuration")
	}

	err := a.runArchiveLoop(ctx, deps)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runArchiveLoop sweeps aged records to cold storage once immediately and
// then at the configured interval until the context is cancelled.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	a.archiveSweep(ctx, deps)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveSweep(ctx, deps)
		}
	}
}

// archiveSweep performs one archive pass. Failures are logged, not fatal;
// the next tick retries.
func (a *App) archiveSweep(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	n, err := deps.Archiver.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive: closed positions sweep failed",
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archive: closed positions archived",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}

	n, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive: audit sweep failed",
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archive: audit rows archived",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
