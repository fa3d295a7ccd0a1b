// Package billing issues outbound billing commands to the payment provider.
// It never changes subscription status; that only happens when the provider's
// events come back through the webhook.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/pkg/backoff"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
	pkgstripe "github.com/angelmondragon/shopbilling/pkg/stripe"
)

const (
	keyPrefix = "sb_"

	defaultMaxAttempts    = 4
	defaultAttemptTimeout = 5 * time.Second
	defaultBaseBackoff    = 200 * time.Millisecond
	defaultMaxBackoff     = 3 * time.Second
)

type Provider interface {
	CreateCheckoutSession(ctx context.Context, req pkgstripe.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, req pkgstripe.PortalRequest) (string, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool, idempotencyKey string) error
	CancelSubscription(ctx context.Context, subscriptionID, idempotencyKey string) error
}

type commandStore interface {
	Find(ctx context.Context, key string) (*models.BillingCommand, error)
	Begin(ctx context.Context, row *models.BillingCommand) error
	Succeed(ctx context.Context, key string, result json.RawMessage, attempts int) error
	Fail(ctx context.Context, key, reason string, attempts int) error
}

type tenantDirectory interface {
	FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// cancellationRecorder is the reconciler's narrow write path for the
// cancellation flag.
type cancellationRecorder interface {
	Find(ctx context.Context, tenantID string) (*models.Subscription, error)
	MarkCancellationRequested(ctx context.Context, tenantID string) (*models.Subscription, error)
	ClearCancellationRequest(ctx context.Context, tenantID string) (*models.Subscription, error)
}

// RetryPolicy bounds provider calls.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Jitter         time.Duration
}

// URLs are the redirect targets handed to hosted provider pages.
type URLs struct {
	CheckoutSuccess string
	CheckoutCancel  string
	PortalReturn    string
}

type GatewayParams struct {
	Provider      Provider
	Commands      commandStore
	Tenants       tenantDirectory
	Subscriptions cancellationRecorder
	Catalog       *plans.Catalog
	PlanPrices    map[string]string
	URLs          URLs
	Retry         RetryPolicy
	// Retryable classifies provider errors; defaults to the Stripe rules.
	Retryable func(error) bool
	Metrics   *metrics.BillingMetrics
	Logger    *logger.Logger
}

// SessionResult is returned for checkout and portal commands.
type SessionResult struct {
	URL string `json:"url"`
}

// Ack confirms a cancellation request. Status is the unchanged current status.
type Ack struct {
	Accepted          bool                     `json:"accepted"`
	CancelAtPeriodEnd bool                     `json:"cancelAtPeriodEnd"`
	Immediate         bool                     `json:"immediate"`
	Status            enums.SubscriptionStatus `json:"status"`
}

type Gateway struct {
	provider   Provider
	commands   commandStore
	tenants    tenantDirectory
	subs       cancellationRecorder
	catalog    *plans.Catalog
	planPrices map[enums.PlanID]string
	urls       URLs
	retry      RetryPolicy
	retryable  func(error) bool
	metrics    *metrics.BillingMetrics
	logg       *logger.Logger
}

func NewGateway(params GatewayParams) (*Gateway, error) {
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing provider required")
	}
	if params.Commands == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "command store required")
	}
	if params.Tenants == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "tenant directory required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription reconciler required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}

	prices := make(map[enums.PlanID]string, len(params.PlanPrices))
	for rawPlan, price := range params.PlanPrices {
		plan, err := enums.ParsePlanID(strings.TrimSpace(rawPlan))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "invalid plan price mapping")
		}
		prices[plan] = strings.TrimSpace(price)
	}

	retry := params.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.AttemptTimeout <= 0 {
		retry.AttemptTimeout = defaultAttemptTimeout
	}
	if retry.BaseBackoff <= 0 {
		retry.BaseBackoff = defaultBaseBackoff
	}
	if retry.MaxBackoff < retry.BaseBackoff {
		retry.MaxBackoff = max(defaultMaxBackoff, retry.BaseBackoff)
	}
	retryable := params.Retryable
	if retryable == nil {
		retryable = pkgstripe.IsRetryable
	}

	return &Gateway{
		provider:   params.Provider,
		commands:   params.Commands,
		tenants:    params.Tenants,
		subs:       params.Subscriptions,
		catalog:    params.Catalog,
		planPrices: prices,
		urls:       params.URLs,
		retry:      retry,
		retryable:  retryable,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

// IdempotencyKey derives the provider idempotency key for a command.
func IdempotencyKey(tenantID string, command enums.BillingCommandType, nonce string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + string(command) + "|" + nonce))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// CreateCheckoutSession starts a hosted checkout for a paid plan.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, tenantID string, planID enums.PlanID, nonce string) (SessionResult, error) {
	var out SessionResult
	if err := validateCommand(tenantID, nonce); err != nil {
		return out, err
	}
	def, ok := g.catalog.Lookup(planID)
	if !ok {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "unknown plan").WithDetails(map[string]any{"planId": planID})
	}
	if !def.IsPaid() {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "plan does not require checkout").WithDetails(map[string]any{"planId": planID})
	}
	price := g.planPrices[planID]
	if price == "" {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "plan is not sold online").WithDetails(map[string]any{"planId": planID})
	}
	tenant, err := g.requireTenant(ctx, tenantID)
	if err != nil {
		return out, err
	}

	key := IdempotencyKey(tenantID, enums.BillingCommandCheckout, nonce)
	err = g.execute(ctx, tenantID, enums.BillingCommandCheckout, key, &out, func(actx context.Context) (any, error) {
		url, err := g.provider.CreateCheckoutSession(actx, pkgstripe.CheckoutRequest{
			TenantID:       tenantID,
			PlanID:         string(planID),
			PriceID:        price,
			CustomerID:     deref(tenant.ProviderCustomerID),
			SuccessURL:     g.urls.CheckoutSuccess,
			CancelURL:      g.urls.CheckoutCancel,
			IdempotencyKey: key,
		})
		return SessionResult{URL: url}, err
	})
	return out, err
}

// CreatePortalSession opens the provider's self-service portal.
func (g *Gateway) CreatePortalSession(ctx context.Context, tenantID, nonce string) (SessionResult, error) {
	var out SessionResult
	if err := validateCommand(tenantID, nonce); err != nil {
		return out, err
	}
	tenant, err := g.requireTenant(ctx, tenantID)
	if err != nil {
		return out, err
	}
	customerID := deref(tenant.ProviderCustomerID)
	if sub, err := g.subs.Find(ctx, tenantID); err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	} else if sub != nil && sub.ProviderCustomerID != "" {
		customerID = sub.ProviderCustomerID
	}
	if customerID == "" {
		return out, pkgerrors.New(pkgerrors.CodeValidation, "tenant has no billing customer")
	}

	key := IdempotencyKey(tenantID, enums.BillingCommandPortal, nonce)
	err = g.execute(ctx, tenantID, enums.BillingCommandPortal, key, &out, func(actx context.Context) (any, error) {
		url, err := g.provider.CreatePortalSession(actx, pkgstripe.PortalRequest{
			CustomerID:     customerID,
			ReturnURL:      g.urls.PortalReturn,
			IdempotencyKey: key,
		})
		return SessionResult{URL: url}, err
	})
	return out, err
}

// RequestCancellation records the request locally and asks the provider to
// cancel. The status stays as is until the provider confirms.
func (g *Gateway) RequestCancellation(ctx context.Context, tenantID string, immediate bool, nonce string) (Ack, error) {
	var out Ack
	if err := validateCommand(tenantID, nonce); err != nil {
		return out, err
	}
	key := IdempotencyKey(tenantID, enums.BillingCommandCancel, nonce)
	if replayed, err := g.replay(ctx, key, &out); err != nil || replayed {
		return out, err
	}

	sub, err := g.subs.Find(ctx, tenantID)
	if err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return out, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.Status == enums.SubscriptionStatusCanceled {
		return out, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is already canceled")
	}
	alreadyFlagged := sub.CancelAtPeriodEnd

	marked, err := g.subs.MarkCancellationRequested(ctx, tenantID)
	if err != nil {
		return out, err
	}

	err = g.execute(ctx, tenantID, enums.BillingCommandCancel, key, &out, func(actx context.Context) (any, error) {
		var err error
		if immediate {
			err = g.provider.CancelSubscription(actx, marked.ProviderSubscriptionID, key)
		} else {
			err = g.provider.SetCancelAtPeriodEnd(actx, marked.ProviderSubscriptionID, true, key)
		}
		return Ack{
			Accepted:          true,
			CancelAtPeriodEnd: marked.CancelAtPeriodEnd,
			Immediate:         immediate,
			Status:            marked.Status,
		}, err
	})
	if err != nil && !alreadyFlagged {
		if _, cerr := g.subs.ClearCancellationRequest(context.WithoutCancel(ctx), tenantID); cerr != nil {
			g.logg.Error(g.logg.WithTenantID(ctx, tenantID), "failed to clear cancellation flag after provider failure", cerr)
		}
	}
	return out, err
}

func (g *Gateway) requireTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	tenant, err := g.tenants.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load tenant")
	}
	if tenant == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tenant not found")
	}
	return tenant, nil
}

// execute replays a stored result for key or runs call with retries and
// stores its outcome. out receives the result either way.
func (g *Gateway) execute(ctx context.Context, tenantID string, command enums.BillingCommandType, key string, out any, call func(context.Context) (any, error)) error {
	if replayed, err := g.replay(ctx, key, out); err != nil || replayed {
		return err
	}
	if err := g.commands.Begin(ctx, &models.BillingCommand{IdempotencyKey: key, TenantID: tenantID, Command: command}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record billing command")
	}

	ctx = g.logg.WithFields(g.logg.WithTenantID(ctx, tenantID), map[string]any{"command": string(command)})
	result, attempts, err := g.withRetries(ctx, command, call)
	store := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := g.commands.Fail(store, key, err.Error(), attempts); ferr != nil {
			g.logg.Error(ctx, "failed to record billing command failure", ferr)
		}
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode billing command result")
	}
	if err := g.commands.Succeed(store, key, raw, attempts); err != nil {
		g.logg.Error(ctx, "failed to record billing command result", err)
	}
	return json.Unmarshal(raw, out)
}

func (g *Gateway) replay(ctx context.Context, key string, out any) (bool, error) {
	row, err := g.commands.Find(ctx, key)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing command")
	}
	if row == nil || row.Status != enums.BillingCommandSucceeded || len(row.Result) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(row.Result, out); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored billing command result")
	}
	return true, nil
}

// withRetries runs call until it succeeds, fails permanently or runs out of
// attempts. Each attempt gets its own deadline and is abandoned when it passes.
func (g *Gateway) withRetries(ctx context.Context, command enums.BillingCommandType, call func(context.Context) (any, error)) (any, int, error) {
	policy := backoff.Policy{Base: g.retry.BaseBackoff, Max: g.retry.MaxBackoff, Jitter: g.retry.Jitter}
	var lastErr error
	attempts := 0
	for attempts < g.retry.MaxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++
		result, err := g.attempt(ctx, call)
		if err == nil {
			g.metrics.IncGatewayAttempt(string(command), "success")
			return result, attempts, nil
		}
		lastErr = err
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) && !g.retryable(err) {
			g.metrics.IncGatewayAttempt(string(command), "rejected")
			g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "billing provider rejected command")
			return nil, attempts, pkgerrors.Wrap(pkgerrors.CodeDependency, err, pkgstripe.ErrorMessage(err))
		}
		g.metrics.IncGatewayAttempt(string(command), "retryable_error")
		g.logg.Warn(g.logg.WithFields(ctx, map[string]any{"attempt": attempts, "error": err.Error()}), "billing provider attempt failed")
		if attempts < g.retry.MaxAttempts && !backoff.Sleep(ctx.Done(), policy.Delay(attempts)) {
			lastErr = ctx.Err()
			break
		}
	}
	g.metrics.IncGatewayAttempt(string(command), "exhausted")
	return nil, attempts, pkgerrors.Wrap(pkgerrors.CodeBilling, lastErr, "billing provider unavailable")
}

func (g *Gateway) attempt(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	actx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call(actx)
		done <- outcome{result: result, err: err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

func validateCommand(tenantID, nonce string) error {
	if strings.TrimSpace(tenantID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if strings.TrimSpace(nonce) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
