// Package engine assembles the reconciliation core shared by the api, cron and
// worker processes.
package engine

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/shopbilling/internal/entitlements"
	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/internal/revenue"
	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
	"github.com/angelmondragon/shopbilling/pkg/outbox"
	"github.com/angelmondragon/shopbilling/pkg/redis"
)

type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	// Locks enables the cross-process tenant lock when the distributed
	// locking flag is on. Nil keeps locking in-process.
	Locks      redis.LockStore
	Registerer prometheus.Registerer
	Catalog    *plans.Catalog
}

// Engine holds the wired core. Every subscription write goes through
// Reconciler; listeners on Notifier see each committed version.
type Engine struct {
	Catalog       *plans.Catalog
	Metrics       *metrics.BillingMetrics
	Subscriptions *subscriptions.Repository
	Notifier      *subscriptions.Notifier
	Reconciler    *subscriptions.Reconciler
	Entitlements  *entitlements.Resolver
	Revenue       *revenue.Repository
	Aggregator    *revenue.Aggregator
	Outbox        *outbox.Repository
}

func New(params Params) (*Engine, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	cfg := params.Config

	catalog := params.Catalog
	if catalog == nil {
		catalog = plans.Default()
	}
	reg := params.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	billingMetrics := metrics.NewBillingMetrics(reg)

	conn := params.DB.DB()
	subsRepo := subscriptions.NewRepository(conn)
	outboxRepo := outbox.NewRepository(conn)
	notifier := subscriptions.NewNotifier()

	locker, err := tenantLocker(cfg, params.Locks, params.Logger)
	if err != nil {
		return nil, err
	}

	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:         subsRepo,
		Tx:           params.DB,
		Outbox:       outbox.NewService(outboxRepo, params.Logger),
		Locker:       locker,
		Notifier:     notifier,
		Metrics:      billingMetrics,
		Logger:       params.Logger,
		ApplyTimeout: params.Config.Reconciler.ApplyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	resolver, err := entitlements.NewResolver(entitlements.ResolverParams{
		Subscriptions: reconciler,
		Tenants:       subsRepo,
		Catalog:       catalog,
		Policy:        entitlements.Policy{GracePeriod: cfg.Entitlements.GracePeriod},
		CacheTTL:      cfg.Entitlements.CacheTTL,
		Logger:        params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("entitlement resolver: %w", err)
	}

	windows, err := revenue.ParseWindows(cfg.Metrics.Windows)
	if err != nil {
		return nil, fmt.Errorf("metrics windows: %w", err)
	}
	revenueRepo := revenue.NewRepository(conn)
	aggregator, err := revenue.NewAggregator(revenue.AggregatorParams{
		Store:    revenueRepo,
		Catalog:  catalog,
		Windows:  windows,
		Debounce: cfg.Metrics.RebuildDebounce,
		Metrics:  billingMetrics,
		Logger:   params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics aggregator: %w", err)
	}

	notifier.Subscribe(resolver.OnSubscriptionChanged)
	notifier.Subscribe(aggregator.Notify)

	return &Engine{
		Catalog:       catalog,
		Metrics:       billingMetrics,
		Subscriptions: subsRepo,
		Notifier:      notifier,
		Reconciler:    reconciler,
		Entitlements:  resolver,
		Revenue:       revenueRepo,
		Aggregator:    aggregator,
		Outbox:        outboxRepo,
	}, nil
}

// tenantLocker always serializes in-process; the Redis lock is layered on top
// when several replicas may reconcile the same tenant.
func tenantLocker(cfg *config.Config, store redis.LockStore, logg *logger.Logger) (subscriptions.TenantLocker, error) {
	local := subscriptions.NewLocalLocker(cfg.Reconciler.LockTimeout)
	if !cfg.FeatureFlags.DistributedLocking || store == nil {
		return local, nil
	}
	distributed, err := subscriptions.NewRedisLocker(store, cfg.Reconciler.LockTTL, cfg.Reconciler.ApplyTimeout, cfg.Reconciler.LockTimeout, logg)
	if err != nil {
		return nil, fmt.Errorf("tenant lock: %w", err)
	}
	return subscriptions.ChainLocker{local, distributed}, nil
}
