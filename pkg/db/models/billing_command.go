package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// BillingCommand is the gateway's record of one idempotent provider command.
type BillingCommand struct {
	IdempotencyKey string                     `gorm:"column:idempotency_key;primaryKey"`
	TenantID       string                     `gorm:"column:tenant_id;not null"`
	Command        enums.BillingCommandType   `gorm:"column:command;not null"`
	Status         enums.BillingCommandStatus `gorm:"column:status;not null"`
	Result         json.RawMessage            `gorm:"column:result;type:jsonb"`
	Attempts       int                        `gorm:"column:attempts;not null;default:0"`
	LastError      *string                    `gorm:"column:last_error"`
	CreatedAt      time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}
