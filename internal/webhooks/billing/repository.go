package billingwebhook

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/shopbilling/internal/repo"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

// EventRepository appends to the billing event log.
type EventRepository struct {
	repo.Base
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{Base: repo.NewBase(db)}
}

// Append inserts row unless its event id is already logged, and returns the
// stored row either way.
func (r *EventRepository) Append(ctx context.Context, row models.BillingEvent) (models.BillingEvent, bool, error) {
	res := r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return models.BillingEvent{}, false, res.Error
	}
	if res.RowsAffected == 1 {
		return row, true, nil
	}
	var stored models.BillingEvent
	if err := r.DB(ctx).Where("event_id = ?", row.EventID).Take(&stored).Error; err != nil {
		return models.BillingEvent{}, false, err
	}
	return stored, false, nil
}
