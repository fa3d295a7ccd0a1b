package enums

import "fmt"

// BillingEventType is the internal vocabulary every provider event is mapped onto.
type BillingEventType string

const (
	BillingEventSubscriptionCreated  BillingEventType = "subscription.created"
	BillingEventSubscriptionUpdated  BillingEventType = "subscription.updated"
	BillingEventSubscriptionCanceled BillingEventType = "subscription.canceled"
	BillingEventInvoicePaid          BillingEventType = "invoice.paid"
	BillingEventInvoiceFailed        BillingEventType = "invoice.failed"
)

var validBillingEventTypes = []BillingEventType{
	BillingEventSubscriptionCreated,
	BillingEventSubscriptionUpdated,
	BillingEventSubscriptionCanceled,
	BillingEventInvoicePaid,
	BillingEventInvoiceFailed,
}

func (t BillingEventType) String() string {
	return string(t)
}

func (t BillingEventType) IsValid() bool {
	for _, candidate := range validBillingEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsInvoice reports whether the event originates from an invoice rather than the subscription object.
func (t BillingEventType) IsInvoice() bool {
	return t == BillingEventInvoicePaid || t == BillingEventInvoiceFailed
}

func ParseBillingEventType(value string) (BillingEventType, error) {
	for _, candidate := range validBillingEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing event type %q", value)
}
