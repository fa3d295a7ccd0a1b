package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/shopbilling/api/responses"
	billingwebhook "github.com/angelmondragon/shopbilling/internal/webhooks/billing"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

const (
	signatureHeader       = "X-Signature"
	stripeSignatureHeader = "Stripe-Signature"
	defaultMaxBodyBytes   = 1 << 20
)

// BillingIngester is the webhook boundary of the reconciliation pipeline.
type BillingIngester interface {
	Ingest(ctx context.Context, raw []byte, sig billingwebhook.Signatures) (billingwebhook.IngestResult, error)
}

// BillingWebhook accepts provider deliveries signed with either the shared
// HMAC header or the provider's own signature header. Accepted, ignored and
// rejected events all return 200 so the provider stops redelivering; only
// transient failures surface as 5xx.
func BillingWebhook(svc BillingIngester, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payload too large").
					WithDetails(map[string]any{"limit_bytes": maxBodyBytes}))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		res, err := svc.Ingest(ctx, payload, billingwebhook.Signatures{
			XSignature:      r.Header.Get(signatureHeader),
			StripeSignature: r.Header.Get(stripeSignatureHeader),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}
