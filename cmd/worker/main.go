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

	billingconsumer "github.com/angelmondragon/shopbilling/internal/consumers/billing"
	"github.com/angelmondragon/shopbilling/internal/engine"
	"github.com/angelmondragon/shopbilling/pkg/bigquery"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/instance"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/outbox/idempotency"
	"github.com/angelmondragon/shopbilling/pkg/pubsub"
	"github.com/angelmondragon/shopbilling/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "failed to close database client", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	subscription := pubsubClient.BillingSubscription()
	if subscription == nil {
		requireResource(ctx, logg, "billing subscription", errors.New("subscription not configured"))
	}

	core, err := engine.New(engine.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Locks:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	requireResource(ctx, logg, "engine", err)

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	requireResource(ctx, logg, "idempotency manager", err)

	deps := []dependency{
		{name: "database", pinger: dbClient},
		{name: "redis", pinger: redisClient},
		{name: "pubsub", pinger: pubsubClient},
	}
	params := billingconsumer.Params{
		Subscription: subscription,
		Idempotency:  manager,
		Metrics:      core.Aggregator,
		Logger:       logg,
	}
	if cfg.FeatureFlags.BigQueryExport {
		bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		requireResource(ctx, logg, "bigquery client", err)
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(ctx, "failed to close bigquery client", err)
			}
		}()
		params.Warehouse = bqClient
		params.Table = cfg.BigQuery.ChangesTable
		deps = append(deps, dependency{name: "bigquery", pinger: bqClient})
	}

	changes, err := billingconsumer.NewConsumer(params)
	requireResource(ctx, logg, "subscription consumer", err)

	service, err := NewService(ServiceParams{
		Logger:       logg,
		Dependencies: deps,
		Consumer:     changes,
		Aggregator:   core.Aggregator,
		Refresh:      cfg.Metrics.RefreshInterval,
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(runCtx, "worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "worker failed", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
