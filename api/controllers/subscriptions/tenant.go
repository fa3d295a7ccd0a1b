package subscriptions

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/shopbilling/api/responses"
	"github.com/angelmondragon/shopbilling/internal/entitlements"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type subscriptionFinder interface {
	Find(ctx context.Context, tenantID string) (*models.Subscription, error)
}

type entitlementResolver interface {
	Resolve(ctx context.Context, tenantID string) (entitlements.Snapshot, error)
}

type transitionLister interface {
	ListTransitions(ctx context.Context, tenantID string) ([]models.SubscriptionTransition, error)
}

type subscriptionResponse struct {
	TenantID               string     `json:"tenantId"`
	PlanID                 string     `json:"planId"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"currentPeriodEnd,omitempty"`
	TrialEnd               *time.Time `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId"`
	ProviderCustomerID     string     `json:"providerCustomerId"`
	Version                int64      `json:"version"`
	LastEventID            string     `json:"lastEventId"`
	LastEventAt            *time.Time `json:"lastEventAt,omitempty"`
	PastDueSince           *time.Time `json:"pastDueSince,omitempty"`
	CanceledAt             *time.Time `json:"canceledAt,omitempty"`
}

type tenantSubscriptionResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Entitlements entitlements.Snapshot `json:"entitlements"`
}

type transitionResponse struct {
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus"`
	EventID    string    `json:"eventId"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurredAt"`
}

// TenantSubscription returns the subscription mirror together with the
// entitlements derived from it. Tenants without a subscription get a null
// subscription and free-plan entitlements.
func TenantSubscription(subs subscriptionFinder, resolver entitlementResolver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if subs == nil || resolver == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		tenantID, err := tenantParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		snap, err := resolver.Resolve(ctx, tenantID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		sub, err := subs.Find(ctx, tenantID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, tenantSubscriptionResponse{
			Subscription: newSubscriptionResponse(sub),
			Entitlements: snap,
		})
	}
}

// TenantTransitions returns the tenant's status history in version order.
func TenantTransitions(repo transitionLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := tenantParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		rows, err := repo.ListTransitions(ctx, tenantID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transitions"))
			return
		}
		out := make([]transitionResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, transitionResponse{
				FromStatus: string(row.FromStatus),
				ToStatus:   string(row.ToStatus),
				EventID:    row.EventID,
				Version:    row.Version,
				OccurredAt: row.OccurredAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

func tenantParam(r *http.Request) (string, error) {
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	return tenantID, nil
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		TenantID:               sub.TenantID,
		PlanID:                 string(sub.PlanID),
		Status:                 string(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		TrialEnd:               sub.TrialEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ProviderCustomerID:     sub.ProviderCustomerID,
		Version:                sub.Version,
		LastEventID:            sub.LastEventID,
		LastEventAt:            sub.LastEventAt,
		PastDueSince:           sub.PastDueSince,
		CanceledAt:             sub.CanceledAt,
	}
}
