package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/couchcryptid/manual-obs-collector/internal/adapter/api"
	"github.com/couchcryptid/manual-obs-collector/internal/adapter/dircache"
	"github.com/couchcryptid/manual-obs-collector/internal/adapter/httpadapter"
	"github.com/couchcryptid/manual-obs-collector/internal/bootstrap"
	"github.com/couchcryptid/manual-obs-collector/internal/config"
	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
	"github.com/couchcryptid/manual-obs-collector/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := domain.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	logger.Info("store opened", "driver", cfg.StoreDriver)

	// Directory reads go through the cache (disabled via STATION_CACHE_SIZE=0).
	var directory ingest.Directory = store
	if cfg.StationCacheSize > 0 {
		directory = dircache.New(store, cfg.StationCacheSize, cfg.StationCacheTTL, clock, metrics)
		logger.Info("station directory cache enabled", "size", cfg.StationCacheSize, "ttl", cfg.StationCacheTTL)
	}

	validator := ingest.NewValidator(directory, store, schedule.NewEvaluator(cfg.FutureObservationGuard))
	svc := ingest.NewService(validator, ingest.NewGate(store), clock, logger, metrics)
	reconciler := reconcile.New(store, clock, logger, metrics, cfg.BatchSize)

	apiSrv := api.NewServer(cfg.APIAddr, svc, apiDirectory{Directory: directory, users: store}, reconciler, api.Options{
		BearerToken:  cfg.APIBearerToken,
		UserIDHeader: cfg.UserIDHeader,
	}, logger)

	pipe, err := bootstrap.NewPipeline(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "mode", cfg.PipelineMode, "error", err)
		os.Exit(1)
	}

	readiness := httpadapter.Readiness{Store: store}
	var runner *reconcile.Runner
	if cfg.ReconcileEnabled && pipe != nil {
		runner = reconcile.NewRunner(reconciler, store, pipe, clock, logger, metrics, reconcile.RunnerConfig{
			Interval: cfg.ReconcileInterval,
			Lookback: cfg.ReconcileLookback,
		})
		readiness.Checks = append(readiness.Checks, runner)
		logger.Info("reconciliation enabled", "pipeline", cfg.PipelineMode, "interval", cfg.ReconcileInterval)
	} else {
		logger.Info("reconciliation loop disabled", "pipeline", cfg.PipelineMode)
	}

	healthSrv := httpadapter.NewServer(cfg.HTTPAddr, readiness, logger)

	// Start HTTP servers.
	go func() {
		if err := healthSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	go func() {
		if err := apiSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "error", err)
			stop()
		}
	}()

	// Start reconciliation loop.
	if runner != nil {
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reconciler error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "error", err)
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if pipe != nil {
		if err := pipe.Close(); err != nil {
			logger.Error("pipeline close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// apiDirectory serves observer lookups from the (possibly cached) directory
// and station listings straight from the store.
type apiDirectory struct {
	ingest.Directory
	users interface {
		ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error)
	}
}

func (d apiDirectory) ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error) {
	return d.users.ListStationLinksForUser(ctx, userID)
}
