package models

import (
	"time"

	"github.com/lib/pq"
)

// Tenant is the read-only view of the shop directory owned by the outer
// application. The billing engine never inserts tenants.
type Tenant struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	Name               string         `gorm:"column:name;not null"`
	ProviderCustomerID *string        `gorm:"column:provider_customer_id"`
	UserCount          int            `gorm:"column:user_count;not null;default:0"`
	ShopCount          int            `gorm:"column:shop_count;not null;default:0"`
	FeatureOverrides   pq.StringArray `gorm:"column:feature_overrides;type:text[]"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
