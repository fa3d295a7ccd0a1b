package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	MetadataTenantID = "tenant_id"
	MetadataPlanID   = "plan_id"

	defaultHTTPTimeout = 30 * time.Second
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// CheckoutRequest describes a hosted checkout for one subscription price.
type CheckoutRequest struct {
	TenantID       string
	PlanID         string
	PriceID        string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// PortalRequest opens the hosted billing portal for a customer.
type PortalRequest struct {
	CustomerID     string
	ReturnURL      string
	IdempotencyKey string
}

// Client issues billing commands against Stripe. Network retries are left to
// the caller so every attempt carries the caller's deadline.
type Client struct {
	environment string
	checkout    checkoutsession.Client
	portal      portalsession.Client
	subs        subscription.Client
}

// NewClient validates the key against the configured environment.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: defaultHTTPTimeout},
		MaxNetworkRetries: stripe.Int64(0),
	})

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		environment: env,
		checkout:    checkoutsession.Client{B: backend, Key: apiKey},
		portal:      portalsession.Client{B: backend, Key: apiKey},
		subs:        subscription.Client{B: backend, Key: apiKey},
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// CreateCheckoutSession returns the hosted checkout URL. Tenant and plan ids
// ride along as subscription metadata so webhooks can be routed back.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	metadata := map[string]string{MetadataTenantID: req.TenantID, MetadataPlanID: req.PlanID}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.TenantID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	sess, err := c.checkout.New(params)
	if err != nil {
		return "", err
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", errors.New("stripe returned a checkout session without url")
	}
	return sess.URL, nil
}

// CreatePortalSession returns the hosted billing portal URL.
func (c *Client) CreatePortalSession(ctx context.Context, req PortalRequest) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(req.CustomerID),
		ReturnURL: stripe.String(req.ReturnURL),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	sess, err := c.portal.New(params)
	if err != nil {
		return "", err
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", errors.New("stripe returned a portal session without url")
	}
	return sess.URL, nil
}

// SetCancelAtPeriodEnd flips the subscription's end-of-period cancellation.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool, idempotencyKey string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	_, err := c.subs.Update(subscriptionID, params)
	return err
}

// CancelSubscription cancels immediately. The local status still only
// changes when the provider's cancellation event arrives.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, idempotencyKey string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	_, err := c.subs.Cancel(subscriptionID, params)
	return err
}

// IsRetryable reports whether err is worth another attempt: rate limits,
// provider 5xx, timeouts and network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.Type == stripe.ErrorTypeAPI
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ErrorMessage extracts the provider's message when err is a Stripe error.
func ErrorMessage(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
