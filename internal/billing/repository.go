package billing

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/shopbilling/internal/repo"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// CommandRepository persists one row per gateway idempotency key.
type CommandRepository struct {
	repo.Base
}

func NewCommandRepository(db *gorm.DB) *CommandRepository {
	return &CommandRepository{Base: repo.NewBase(db)}
}

func (r *CommandRepository) Find(ctx context.Context, key string) (*models.BillingCommand, error) {
	var row models.BillingCommand
	err := r.DB(ctx).Where("idempotency_key = ?", key).Take(&row).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Begin records a pending command; an existing row for the key is kept.
func (r *CommandRepository) Begin(ctx context.Context, row *models.BillingCommand) error {
	row.Status = enums.BillingCommandPending
	return r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(row).Error
}

func (r *CommandRepository) Succeed(ctx context.Context, key string, result json.RawMessage, attempts int) error {
	return r.DB(ctx).Model(&models.BillingCommand{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"status":     enums.BillingCommandSucceeded,
			"result":     result,
			"attempts":   gorm.Expr("attempts + ?", attempts),
			"last_error": nil,
		}).Error
}

func (r *CommandRepository) Fail(ctx context.Context, key, reason string, attempts int) error {
	return r.DB(ctx).Model(&models.BillingCommand{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"status":     enums.BillingCommandFailed,
			"attempts":   gorm.Expr("attempts + ?", attempts),
			"last_error": reason,
		}).Error
}
