package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/OpenPeerPower/supervisor/internal/api"
	"github.com/OpenPeerPower/supervisor/internal/config"
	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/logging"
	"github.com/OpenPeerPower/supervisor/internal/pubsub"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/store"
	"github.com/OpenPeerPower/supervisor/internal/supervisor"
	"github.com/OpenPeerPower/supervisor/internal/update"
	"github.com/OpenPeerPower/supervisor/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Creating data directory failed")
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Opening supervisor database failed")
	}

	reg := registry.New(st)
	if err := reg.Load(); err != nil {
		log.Fatal().Err(err).Msg("Loading registry failed")
	}

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Fatal().Err(err).Msg("Connecting to container engine failed")
	}

	bus := pubsub.NewBus[pubsub.Event]()
	manager := jobs.NewManager(reg, rt, st, bus, jobs.Config{
		Workers:        cfg.Workers,
		DefaultTimeout: cfg.JobTimeout,
		HistoryWindow:  cfg.JobHistoryWindow,
	})
	coordinator := update.New(manager, reg, rt, update.Config{
		HealthWindow:   cfg.HealthWindow,
		HealthInterval: cfg.HealthInterval,
		JobTimeout:     cfg.UpdateJobTimeout,
	})
	dog := watchdog.New(manager, reg, rt, watchdog.Config{
		Interval:         cfg.WatchdogInterval,
		FailureThreshold: cfg.FailureThreshold,
		FlapWindow:       cfg.FlapWindow,
		FlapMax:          cfg.FlapMax,
		JobTimeout:       cfg.JobTimeout,
	})
	sup := supervisor.New(reg, manager, coordinator, rt)
	sup.AutoUpdateInterval = cfg.AutoUpdateInterval

	// ctx.Done() fires on SIGINT/SIGTERM; cancel() unregisters the traps.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Reconcile against the engine before any job is accepted.
	if err := sup.Reconcile(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup reconciliation failed")
	}

	manager.Start(ctx)

	if err := sup.EnsureBaseComponents(ctx); err != nil {
		log.Fatal().Err(err).Msg("Installing base components failed")
	}
	if err := sup.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("Boot sequence failed")
	}
	log.Info().Msg("Supervisor is up")

	eg, egCtx := errgroup.WithContext(ctx)

	routes := []api.Route{
		api.NewListComponentsRoute(reg),
		api.NewGetComponentRoute(reg),
		api.NewInstallComponentRoute(manager),
		api.NewComponentActionRoute(manager),
		api.NewUpdateComponentRoute(coordinator),
		api.NewComponentStatsRoute(reg, rt),
		api.NewListJobsRoute(manager),
		api.NewGetJobRoute(manager),
		api.NewCancelJobRoute(manager),
		api.NewEventsRoute(bus),
	}
	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewRouter(routes, log),
	}

	eg.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Msg("Starting control API")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		err := dog.Run(egCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		err := sup.AutoUpdate(egCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	select {
	case <-egCtx.Done():
		log.Err(egCtx.Err()).Msg("Sub-service errored, shutting down")
		cancel()
	case <-ctx.Done():
		log.Info().Msg("Interrupt received, shutting down")
	}

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Err(err).Msg("API server shutdown failed")
	}
	if err := eg.Wait(); err != nil {
		log.Err(err).Msg("Shutdown finished with error")
	}
	manager.Wait()
}
