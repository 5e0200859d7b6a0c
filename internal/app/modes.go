package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/server"
	"github.com/quantfield/signalledger/internal/server/handler"
	"github.com/quantfield/signalledger/internal/server/ws"
	"github.com/quantfield/signalledger/internal/service"
	"github.com/quantfield/signalledger/internal/snapshot"
)

// ServeMode runs the HTTP API, the WebSocket hub, and the event relay.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps)
	return g.Wait()
}

// SnapshotMode runs the periodic snapshot job and nothing else.
func (a *App) SnapshotMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting snapshot mode",
		slog.Duration("interval", a.cfg.Snapshot.Interval.Duration),
	)

	job := snapshot.NewJob(
		deps.PoolStore, deps.PredictionStore,
		deps.BlobWriter, deps.LockManager, deps.Clock, a.logger,
	)
	return job.RunLoop(ctx, a.cfg.Snapshot.Interval.Duration)
}

// FullMode runs the HTTP API together with the snapshot job when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps)

	if a.cfg.Snapshot.Enabled && deps.BlobWriter != nil {
		job := snapshot.NewJob(
			deps.PoolStore, deps.PredictionStore,
			deps.BlobWriter, deps.LockManager, deps.Clock, a.logger,
		)
		g.Go(func() error {
			return job.RunLoop(ctx, a.cfg.Snapshot.Interval.Duration)
		})
	}

	return g.Wait()
}

// startAPI builds the service layer and adds the HTTP server and WebSocket
// hub goroutines to the given errgroup. The server is shut down gracefully
// when the context is cancelled.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	registrySvc := service.NewRegistryService(deps.RegistryStore, deps.RegistryCache, a.logger)
	poolSvc := service.NewPoolService(
		registrySvc, deps.PoolStore, deps.ContributionStore,
		deps.CustodyStore, deps.Clock, deps.SignalBus, deps.Notifier, a.logger,
	)
	archiveSvc := service.NewArchiveService(
		deps.ArchiveStore, deps.PredictionStore,
		deps.Clock, deps.SignalBus, deps.Notifier, a.logger,
	)
	custodySvc := service.NewCustodyService(registrySvc, deps.CustodyStore, a.logger)

	a.bootstrap(ctx, deps, registrySvc, archiveSvc)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var limiter domain.RateLimiter
	if a.cfg.Server.RateLimit > 0 {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		AuthDisabled: a.cfg.Server.AuthDisabled,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Registry: handler.NewRegistryHandler(registrySvc, a.logger),
		Pools:    handler.NewPoolHandler(poolSvc, a.logger),
		Archive:  handler.NewArchiveHandler(archiveSvc, a.logger),
		Custody:  handler.NewCustodyHandler(custodySvc, a.logger),
	}, hub, limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// bootstrap initializes the registry and archive with the operator address
// when an operator key is configured and the records do not exist yet. A
// fresh deployment comes up ready to accept pool and prediction writes.
func (a *App) bootstrap(ctx context.Context, deps *Dependencies, registrySvc *service.RegistryService, archiveSvc *service.ArchiveService) {
	if deps.Operator == nil {
		return
	}
	operator := deps.Operator.Address()

	if _, err := registrySvc.Get(ctx); errors.Is(err, domain.ErrNotFound) {
		if _, err := registrySvc.Initialize(ctx, operator); err != nil {
			a.logger.WarnContext(ctx, "bootstrap: registry initialize failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := archiveSvc.Get(ctx); errors.Is(err, domain.ErrNotFound) {
		if _, err := archiveSvc.Initialize(ctx, operator); err != nil {
			a.logger.WarnContext(ctx, "bootstrap: archive initialize failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
