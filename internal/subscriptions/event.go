package subscriptions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Provider status strings carried in subscription payloads.
const (
	ProviderStatusTrialing          = "trialing"
	ProviderStatusActive            = "active"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusIncompleteExpired = "incomplete_expired"
)

// Payload is the normalized body stored in billing_events.payload.
type Payload struct {
	ProviderSubscriptionID string       `json:"providerSubscriptionId,omitempty"`
	ProviderCustomerID     string       `json:"providerCustomerId,omitempty"`
	Status                 string       `json:"status,omitempty"`
	PlanID                 enums.PlanID `json:"planId,omitempty"`
	CurrentPeriodStart     *time.Time   `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time   `json:"currentPeriodEnd,omitempty"`
	TrialEnd               *time.Time   `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd      *bool        `json:"cancelAtPeriodEnd,omitempty"`
	AmountPaid             int64        `json:"amountPaid,omitempty"`
	Currency               string       `json:"currency,omitempty"`
}

// Event is a billing event with its payload decoded.
type Event struct {
	Seq        int64
	ID         string
	TenantID   string
	Type       enums.BillingEventType
	OccurredAt time.Time
	Payload    Payload
}

// EventFromModel decodes a stored billing event.
func EventFromModel(row models.BillingEvent) (Event, error) {
	var payload Payload
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return Event{}, fmt.Errorf("decode billing event %s payload: %w", row.EventID, err)
		}
	}
	return Event{
		Seq:        row.Seq,
		ID:         row.EventID,
		TenantID:   row.TenantID,
		Type:       row.Type,
		OccurredAt: row.OccurredAt.UTC(),
		Payload:    payload,
	}, nil
}

// mapProviderStatus folds provider statuses onto the local lifecycle. The
// second return is false for statuses without a local equivalent.
func mapProviderStatus(raw string) (enums.SubscriptionStatus, bool) {
	switch raw {
	case ProviderStatusTrialing:
		return enums.SubscriptionStatusTrialing, true
	case ProviderStatusActive:
		return enums.SubscriptionStatusActive, true
	case ProviderStatusPastDue, ProviderStatusUnpaid:
		return enums.SubscriptionStatusPastDue, true
	case ProviderStatusCanceled, ProviderStatusIncompleteExpired:
		return enums.SubscriptionStatusCanceled, true
	default:
		return "", false
	}
}
