package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/shopbilling/api/controllers"
	billingcontrollers "github.com/angelmondragon/shopbilling/api/controllers/billing"
	subscriptioncontrollers "github.com/angelmondragon/shopbilling/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/shopbilling/api/controllers/webhooks"
	"github.com/angelmondragon/shopbilling/api/middleware"
	"github.com/angelmondragon/shopbilling/internal/entitlements"
	"github.com/angelmondragon/shopbilling/internal/revenue"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/redis"
)

// SubscriptionReader is the read side of the subscription mirror.
type SubscriptionReader interface {
	Find(ctx context.Context, tenantID string) (*models.Subscription, error)
}

// ReconciliationLog exposes transition history and the manual review queue.
type ReconciliationLog interface {
	ListTransitions(ctx context.Context, tenantID string) ([]models.SubscriptionTransition, error)
	ListOpenIssues(ctx context.Context, limit int) ([]models.ReconciliationIssue, error)
}

type EntitlementResolver interface {
	Resolve(ctx context.Context, tenantID string) (entitlements.Snapshot, error)
}

type MetricsReader interface {
	Latest(ctx context.Context, window string) (*revenue.Snapshot, error)
}

// RedisStore backs response replay and rate limiting.
type RedisStore interface {
	redis.IdempotencyStore
	redis.CounterStore
}

type Deps struct {
	Config        *config.Config
	Logger        *logger.Logger
	Ready         []controllers.Dependency
	Redis         RedisStore
	Webhooks      webhookcontrollers.BillingIngester
	Subscriptions SubscriptionReader
	History       ReconciliationLog
	Entitlements  EntitlementResolver
	Metrics       MetricsReader
	Gateway       billingcontrollers.CommandGateway
	// MetricsHandler defaults to promhttp.Handler when nil.
	MetricsHandler http.Handler
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.API.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Ready...))
	})

	metricsHandler := d.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Post("/webhooks/billing", webhookcontrollers.BillingWebhook(d.Webhooks, cfg.Webhook.MaxBodyBytes, logg))

	commandPolicy := middleware.NewRateLimitPolicy(
		"billing-command",
		cfg.API.CommandWindow,
		cfg.API.CommandIPLimit,
		cfg.API.CommandTenantLimit,
	)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/subscription", subscriptioncontrollers.TenantSubscription(d.Subscriptions, d.Entitlements, logg))
		r.Get("/subscription/transitions", subscriptioncontrollers.TenantTransitions(d.History, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(commandPolicy, d.Redis, logg))
			r.Use(middleware.Idempotency(d.Redis, logg))
			r.Post("/checkout", billingcontrollers.Checkout(d.Gateway, logg))
			r.Post("/portal", billingcontrollers.Portal(d.Gateway, logg))
			r.Patch("/subscription/cancel", billingcontrollers.Cancel(d.Gateway, logg))
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/metrics", controllers.AdminMetrics(d.Metrics, logg))
		r.Get("/reconciliation/issues", controllers.AdminReconciliationIssues(d.History, logg))
	})

	return r
}
