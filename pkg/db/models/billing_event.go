package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// BillingEvent is an append-only record of a normalized provider event. Seq is
// assigned by the database and is the axis metrics snapshots use as their
// high-water mark.
type BillingEvent struct {
	Seq          int64                  `gorm:"column:seq;primaryKey;autoIncrement"`
	EventID      string                 `gorm:"column:event_id;not null;uniqueIndex:ux_billing_events_event_id"`
	TenantID     string                 `gorm:"column:tenant_id;not null;index:ix_billing_events_tenant"`
	Type         enums.BillingEventType `gorm:"column:type;not null"`
	ProviderType string                 `gorm:"column:provider_type;not null"`
	OccurredAt   time.Time              `gorm:"column:occurred_at;not null"`
	Payload      json.RawMessage        `gorm:"column:payload;type:jsonb;not null"`
	RawPayload   json.RawMessage        `gorm:"column:raw_payload;type:jsonb"`
	IngestedAt   time.Time              `gorm:"column:ingested_at;not null"`
}
