package billingwebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
)

const (
	HeaderSignature       = "X-Signature"
	HeaderStripeSignature = "Stripe-Signature"

	signaturePrefix = "sha256="
	metadataTenant  = "tenant_id"
	metadataPlan    = "plan_id"
)

var errMissingSignature = errors.New("missing signature header")

// Signatures carries whichever authenticity headers came with the delivery.
type Signatures struct {
	XSignature      string
	StripeSignature string
}

// Normalized is a verified provider event mapped onto the internal vocabulary.
type Normalized struct {
	Event models.BillingEvent
	// Recognized is false for event types the engine does not track.
	Recognized bool
	// TenantHint is the tenant id carried in provider metadata, if any.
	TenantHint string
	Payload    subscriptions.Payload
}

// Normalizer authenticates and maps raw webhook bodies.
type Normalizer struct {
	secret       []byte
	stripeSecret string
	tolerance    time.Duration
	planByPrice  map[string]enums.PlanID
	now          func() time.Time
}

// NewNormalizer builds a normalizer. planPrices maps plan ids to provider
// price ids; the inverse is used to recognize plans on incoming objects.
func NewNormalizer(secret, stripeSecret string, tolerance time.Duration, planPrices map[string]string) (*Normalizer, error) {
	if strings.TrimSpace(secret) == "" && strings.TrimSpace(stripeSecret) == "" {
		return nil, errors.New("a webhook secret is required")
	}
	byPrice := make(map[string]enums.PlanID, len(planPrices))
	for rawPlan, priceID := range planPrices {
		plan, err := enums.ParsePlanID(strings.TrimSpace(rawPlan))
		if err != nil {
			return nil, err
		}
		if priceID = strings.TrimSpace(priceID); priceID != "" {
			byPrice[priceID] = plan
		}
	}
	return &Normalizer{
		secret:       []byte(secret),
		stripeSecret: stripeSecret,
		tolerance:    tolerance,
		planByPrice:  byPrice,
		now:          time.Now,
	}, nil
}

// Normalize verifies raw and maps it. Signature failures are reported before
// the body is parsed.
func (n *Normalizer) Normalize(raw []byte, sig Signatures) (*Normalized, error) {
	if err := n.verify(raw, sig); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "signature verification failed")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event body")
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" || env.Created <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id, type and created are required")
	}

	out := &Normalized{
		Event: models.BillingEvent{
			EventID:      strings.TrimSpace(env.ID),
			ProviderType: env.Type,
			OccurredAt:   time.Unix(env.Created, 0).UTC(),
			RawPayload:   json.RawMessage(raw),
			IngestedAt:   n.now().UTC(),
		},
	}
	eventType, ok := mapEventType(env.Type)
	if !ok {
		return out, nil
	}
	out.Recognized = true
	out.Event.Type = eventType

	var obj providerObject
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event object")
		}
	}
	out.Payload = n.payloadFor(eventType, obj)
	out.TenantHint = obj.tenantHint()

	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode normalized payload")
	}
	out.Event.Payload = payload
	return out, nil
}

func (n *Normalizer) verify(raw []byte, sig Signatures) error {
	if header := strings.TrimSpace(sig.StripeSignature); header != "" && n.stripeSecret != "" {
		_, err := webhook.ConstructEventWithOptions(raw, header, n.stripeSecret, webhook.ConstructEventOptions{
			Tolerance:                n.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		return err
	}
	header := strings.TrimSpace(sig.XSignature)
	if header == "" || len(n.secret) == 0 {
		return errMissingSignature
	}
	header = strings.TrimPrefix(header, signaturePrefix)
	given, err := hex.DecodeString(header)
	if err != nil {
		return errors.New("signature is not hex encoded")
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(raw)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the X-Signature value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func mapEventType(providerType string) (enums.BillingEventType, bool) {
	switch stripe.EventType(providerType) {
	case stripe.EventTypeCustomerSubscriptionCreated:
		return enums.BillingEventSubscriptionCreated, true
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return enums.BillingEventSubscriptionUpdated, true
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return enums.BillingEventSubscriptionCanceled, true
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		return enums.BillingEventInvoicePaid, true
	case stripe.EventTypeInvoicePaymentFailed:
		return enums.BillingEventInvoiceFailed, true
	}
	if internal, err := enums.ParseBillingEventType(providerType); err == nil {
		return internal, true
	}
	return "", false
}

func (n *Normalizer) payloadFor(eventType enums.BillingEventType, obj providerObject) subscriptions.Payload {
	p := subscriptions.Payload{
		ProviderCustomerID: idFrom(obj.Customer),
		Currency:           strings.ToLower(obj.Currency),
		CancelAtPeriodEnd:  obj.CancelAtPeriodEnd,
		TrialEnd:           unixPtr(obj.TrialEnd),
		PlanID:             n.planFor(obj),
	}

	if eventType.IsInvoice() {
		p.ProviderSubscriptionID = obj.invoiceSubscriptionID()
		p.AmountPaid = obj.AmountPaid
		start, end := obj.invoicePeriod()
		p.CurrentPeriodStart, p.CurrentPeriodEnd = unixPtr(start), unixPtr(end)
		p.CancelAtPeriodEnd = nil
		return p
	}

	p.ProviderSubscriptionID = obj.ID
	p.Status = strings.ToLower(strings.TrimSpace(obj.Status))
	start, end := obj.CurrentPeriodStart, obj.CurrentPeriodEnd
	if start == 0 && end == 0 && len(obj.Items.Data) > 0 {
		start, end = obj.Items.Data[0].CurrentPeriodStart, obj.Items.Data[0].CurrentPeriodEnd
	}
	p.CurrentPeriodStart, p.CurrentPeriodEnd = unixPtr(start), unixPtr(end)
	return p
}

func (n *Normalizer) planFor(obj providerObject) enums.PlanID {
	for _, md := range obj.metadataChain() {
		if plan, err := enums.ParsePlanID(strings.TrimSpace(md[metadataPlan])); err == nil {
			return plan
		}
	}
	for _, priceID := range obj.priceIDs() {
		if plan, ok := n.planByPrice[priceID]; ok {
			return plan
		}
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
