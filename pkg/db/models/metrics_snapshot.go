package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetricsSnapshot is an immutable, fully computed aggregate for one window.
type MetricsSnapshot struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Window         string          `gorm:"column:window_label;not null;uniqueIndex:ux_metrics_snapshots_window_version,priority:1"`
	Version        int64           `gorm:"column:version;not null;uniqueIndex:ux_metrics_snapshots_window_version,priority:2"`
	WindowStart    time.Time       `gorm:"column:window_start;not null"`
	WindowEnd      time.Time       `gorm:"column:window_end;not null"`
	HighWaterMark  int64           `gorm:"column:high_water_mark;not null"`
	MRR            decimal.Decimal `gorm:"column:mrr;type:numeric(14,2);not null"`
	ARR            decimal.Decimal `gorm:"column:arr;type:numeric(14,2);not null"`
	ChurnRate      decimal.Decimal `gorm:"column:churn_rate;type:numeric(7,4);not null"`
	RetentionRate  decimal.Decimal `gorm:"column:retention_rate;type:numeric(7,4);not null"`
	Figures        json.RawMessage `gorm:"column:figures;type:jsonb;not null"`
	CatalogVersion string          `gorm:"column:catalog_version;not null"`
	ComputedAt     time.Time       `gorm:"column:computed_at;not null"`
	ExportedAt     *time.Time      `gorm:"column:exported_at"`
}
