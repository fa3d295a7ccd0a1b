package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/shopbilling/internal/cron"
	"github.com/angelmondragon/shopbilling/internal/engine"
	"github.com/angelmondragon/shopbilling/internal/revenue"
	"github.com/angelmondragon/shopbilling/pkg/bigquery"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
	"github.com/angelmondragon/shopbilling/pkg/migrate"
	"github.com/angelmondragon/shopbilling/pkg/redis"
)

const lockNameFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	core, err := engine.New(engine.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Locks:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to assemble engine", err)
		os.Exit(1)
	}

	registry, cleanup, err := buildRegistry(cfg, logg, dbClient, core)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}
	defer cleanup()

	lock, err := cron.NewRedisLock(redisClient, lockName(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        len(registry.Jobs()),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildRegistry wires the scheduled jobs. The warehouse export only runs when
// the BigQuery flag is on.
func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, core *engine.Engine) (*cron.Registry, func(), error) {
	cleanup := func() {}
	registry := cron.NewRegistry()

	snapshotJob, err := cron.NewMetricsSnapshotJob(logg, core.Aggregator)
	if err != nil {
		return nil, cleanup, err
	}
	registry.Register(snapshotJob, 0)

	replayJob, err := cron.NewBillingEventReplayJob(cron.BillingEventReplayJobParams{
		Logger:     logg,
		Events:     core.Subscriptions,
		Reconciler: core.Reconciler,
		Delay:      cfg.Reconciler.ReplayDelay,
		BatchSize:  cfg.Cron.ReplayBatch,
	})
	if err != nil {
		return nil, cleanup, err
	}
	registry.Register(replayJob, 0)

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: core.Outbox,
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, cleanup, err
	}
	registry.Register(retentionJob, 0)

	if !cfg.FeatureFlags.BigQueryExport {
		return registry, cleanup, nil
	}

	bq, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("bigquery client: %w", err)
	}
	cleanup = func() {
		if err := bq.Close(); err != nil {
			logg.Error(context.Background(), "error closing bigquery client", err)
		}
	}
	exporter, err := revenue.NewExporter(core.Revenue, bq, cfg.BigQuery.MetricsTable)
	if err != nil {
		return nil, cleanup, err
	}
	exportJob, err := cron.NewMetricsExportJob(logg, exporter)
	if err != nil {
		return nil, cleanup, err
	}
	registry.Register(exportJob, cfg.Cron.ExportInterval)
	return registry, cleanup, nil
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}
