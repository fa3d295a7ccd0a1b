package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/shopbilling/api/middleware"
	"github.com/angelmondragon/shopbilling/api/responses"
	"github.com/angelmondragon/shopbilling/api/validators"
	billingsvc "github.com/angelmondragon/shopbilling/internal/billing"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

// CommandGateway is the outbound billing surface.
type CommandGateway interface {
	CreateCheckoutSession(ctx context.Context, tenantID string, planID enums.PlanID, nonce string) (billingsvc.SessionResult, error)
	CreatePortalSession(ctx context.Context, tenantID, nonce string) (billingsvc.SessionResult, error)
	RequestCancellation(ctx context.Context, tenantID string, immediate bool, nonce string) (billingsvc.Ack, error)
}

type checkoutRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

type ackResponse struct {
	Ack billingsvc.Ack `json:"ack"`
}

func Checkout(gw CommandGateway, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, nonce, err := commandParams(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		res, err := gw.CreateCheckoutSession(ctx, tenantID, enums.PlanID(strings.TrimSpace(payload.PlanID)), nonce)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}

func Portal(gw CommandGateway, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, nonce, err := commandParams(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		res, err := gw.CreatePortalSession(ctx, tenantID, nonce)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}

// Cancel requests cancellation; the status only changes once the provider
// confirms through the webhook.
func Cancel(gw CommandGateway, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, nonce, err := commandParams(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var payload cancelRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}
		ack, err := gw.RequestCancellation(ctx, tenantID, payload.Immediate, nonce)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, ackResponse{Ack: ack})
	}
}

func commandParams(r *http.Request) (string, string, error) {
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		return "", "", pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	nonce := strings.TrimSpace(r.Header.Get(middleware.IdempotencyHeader))
	if nonce == "" {
		return "", "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required")
	}
	return tenantID, nonce, nil
}
