package payloads

import (
	"time"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// SubscriptionChangedEvent announces that a tenant's subscription reached a new version.
type SubscriptionChangedEvent struct {
	TenantID          string                   `json:"tenantId"`
	Version           int64                    `json:"version"`
	Status            enums.SubscriptionStatus `json:"status"`
	PreviousStatus    enums.SubscriptionStatus `json:"previousStatus,omitempty"`
	PlanID            enums.PlanID             `json:"planId"`
	CancelAtPeriodEnd bool                     `json:"cancelAtPeriodEnd"`
	SourceEventID     string                   `json:"sourceEventId,omitempty"`
	OccurredAt        time.Time                `json:"occurredAt"`
}
