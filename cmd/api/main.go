package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/shopbilling/api/controllers"
	"github.com/angelmondragon/shopbilling/api/routes"
	"github.com/angelmondragon/shopbilling/internal/billing"
	"github.com/angelmondragon/shopbilling/internal/engine"
	billingwebhook "github.com/angelmondragon/shopbilling/internal/webhooks/billing"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/instance"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/migrate"
	"github.com/angelmondragon/shopbilling/pkg/redis"
	"github.com/angelmondragon/shopbilling/pkg/stripe"
)

const (
	webhookGuardScope = "billing-webhook"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}

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

	normalizer, err := billingwebhook.NewNormalizer(cfg.Webhook.Secret, cfg.Stripe.Secret, cfg.Webhook.SignatureSkew, cfg.Stripe.PlanPrices)
	if err != nil {
		logg.Error(context.Background(), "failed to build webhook normalizer", err)
		os.Exit(1)
	}
	guard, err := billingwebhook.NewIdempotencyGuard(redisClient, cfg.Webhook.IdempotencyTTL, webhookGuardScope)
	if err != nil {
		logg.Error(context.Background(), "failed to build webhook guard", err)
		os.Exit(1)
	}
	webhookService, err := billingwebhook.NewService(billingwebhook.ServiceParams{
		Normalizer: normalizer,
		Events:     billingwebhook.NewEventRepository(dbClient.DB()),
		Directory:  core.Subscriptions,
		Reconciler: core.Reconciler,
		Guard:      guard,
		Metrics:    core.Metrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build webhook service", err)
		os.Exit(1)
	}

	gateway, err := billing.NewGateway(billing.GatewayParams{
		Provider:      stripeClient,
		Commands:      billing.NewCommandRepository(dbClient.DB()),
		Tenants:       core.Subscriptions,
		Subscriptions: core.Reconciler,
		Catalog:       core.Catalog,
		PlanPrices:    cfg.Stripe.PlanPrices,
		URLs: billing.URLs{
			CheckoutSuccess: cfg.Stripe.SuccessURL,
			CheckoutCancel:  cfg.Stripe.CancelURL,
			PortalReturn:    cfg.Stripe.ReturnURL,
		},
		Retry: billing.RetryPolicy{
			MaxAttempts:    cfg.Gateway.MaxAttempts,
			AttemptTimeout: cfg.Gateway.AttemptTimeout,
			BaseBackoff:    cfg.Gateway.BaseBackoff,
			MaxBackoff:     cfg.Gateway.MaxBackoff,
		},
		Metrics: core.Metrics,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build billing gateway", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config: cfg,
			Logger: logg,
			Ready: []controllers.Dependency{
				{Name: "database", Pinger: dbClient},
				{Name: "redis", Pinger: redisClient},
			},
			Redis:         redisClient,
			Webhooks:      webhookService,
			Subscriptions: core.Reconciler,
			History:       core.Subscriptions,
			Entitlements:  core.Entitlements,
			Metrics:       core.Aggregator,
			Gateway:       gateway,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := core.Aggregator.Run(gctx, cfg.Metrics.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
