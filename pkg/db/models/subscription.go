package models

import (
	"time"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Subscription is the per-tenant mirror of the provider subscription. Only the
// reconciler writes it.
type Subscription struct {
	TenantID               string                   `gorm:"column:tenant_id;primaryKey"`
	PlanID                 enums.PlanID             `gorm:"column:plan_id;not null"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;not null"`
	CurrentPeriodStart     *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd       *time.Time               `gorm:"column:current_period_end"`
	TrialEnd               *time.Time               `gorm:"column:trial_end"`
	CancelAtPeriodEnd      bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;not null;uniqueIndex:ux_subscriptions_provider_subscription_id"`
	ProviderCustomerID     string                   `gorm:"column:provider_customer_id;not null"`
	Version                int64                    `gorm:"column:version;not null"`
	LastEventID            string                   `gorm:"column:last_event_id;not null"`
	LastEventAt            *time.Time               `gorm:"column:last_event_at"`
	PastDueSince           *time.Time               `gorm:"column:past_due_since"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
