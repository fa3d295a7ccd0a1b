package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// ReconciliationResult records the reconciler's decision for one event id.
type ReconciliationResult struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	EventID     string             `gorm:"column:event_id;not null;uniqueIndex:ux_reconciliation_results_event_id"`
	TenantID    string             `gorm:"column:tenant_id;not null"`
	Outcome     enums.ApplyOutcome `gorm:"column:outcome;not null"`
	Reason      string             `gorm:"column:reason;not null;default:''"`
	Version     int64              `gorm:"column:version;not null;default:0"`
	ProcessedAt time.Time          `gorm:"column:processed_at;not null"`
}

// SubscriptionTransition is the audit trail of accepted status changes.
type SubscriptionTransition struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	TenantID               string                   `gorm:"column:tenant_id;not null;index:ix_subscription_transitions_tenant"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;not null"`
	FromStatus             enums.SubscriptionStatus `gorm:"column:from_status;not null;default:''"`
	ToStatus               enums.SubscriptionStatus `gorm:"column:to_status;not null"`
	EventID                string                   `gorm:"column:event_id;not null"`
	Version                int64                    `gorm:"column:version;not null"`
	OccurredAt             time.Time                `gorm:"column:occurred_at;not null"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
}

// ReconciliationIssue is an entry in the operator inspection queue.
type ReconciliationIssue struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	TenantID   *string           `gorm:"column:tenant_id"`
	EventID    string            `gorm:"column:event_id;not null;default:''"`
	Reason     enums.IssueReason `gorm:"column:reason;not null"`
	Detail     string            `gorm:"column:detail;not null;default:''"`
	Payload    json.RawMessage   `gorm:"column:payload;type:jsonb"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt *time.Time        `gorm:"column:resolved_at"`
}
