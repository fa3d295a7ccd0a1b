package revenue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shopbilling/internal/repo"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

const insertAttempts = 3

// Repository reads the billing log and stores snapshot rows.
type Repository struct {
	repo.Base
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(conn)}
}

// HighWaterMark returns max(seq) of the billing log, 0 when empty.
func (r *Repository) HighWaterMark(ctx context.Context) (int64, error) {
	var hwm int64
	err := r.DB(ctx).Model(&models.BillingEvent{}).Select("COALESCE(MAX(seq), 0)").Scan(&hwm).Error
	return hwm, err
}

// ScanEvents walks billing events with seq <= hwm in seq order, batch rows at
// a time, each joined with the reconciler's recorded outcome.
func (r *Repository) ScanEvents(ctx context.Context, hwm int64, batch int, fn func([]LoggedEvent) error) error {
	if batch <= 0 {
		batch = 500
	}
	var after int64
	for {
		var rows []LoggedEvent
		err := r.DB(ctx).
			Table("billing_events AS e").
			Select("e.*, COALESCE(rr.outcome, '') AS outcome, COALESCE(rr.version, 0) AS applied_version").
			Joins("LEFT JOIN reconciliation_results AS rr ON rr.event_id = e.event_id").
			Where("e.seq > ? AND e.seq <= ?", after, hwm).
			Order("e.seq ASC").
			Limit(batch).
			Scan(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		after = rows[len(rows)-1].Seq
		if len(rows) < batch {
			return nil
		}
	}
}

// KnownTenants returns the ids in the tenant directory.
func (r *Repository) KnownTenants(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := r.DB(ctx).Model(&models.Tenant{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// InsertSnapshot assigns the next version for the row's window and stores it.
// Concurrent builders racing for a version retry with the next one.
func (r *Repository) InsertSnapshot(ctx context.Context, row *models.MetricsSnapshot) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	var err error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		err = r.DB(ctx).Transaction(func(tx *gorm.DB) error {
			var current int64
			if err := tx.Model(&models.MetricsSnapshot{}).
				Where("window_label = ?", row.Window).
				Select("COALESCE(MAX(version), 0)").
				Scan(&current).Error; err != nil {
				return err
			}
			row.Version = current + 1
			return tx.Create(row).Error
		})
		if err == nil || !db.IsUniqueViolation(err, "ux_metrics_snapshots_window_version", "metrics_snapshots.window_label") {
			return err
		}
	}
	return err
}

// Latest returns the newest snapshot row for window, or nil.
func (r *Repository) Latest(ctx context.Context, window string) (*models.MetricsSnapshot, error) {
	var row models.MetricsSnapshot
	err := r.DB(ctx).Where("window_label = ?", window).Order("version DESC").Take(&row).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListUnexported returns snapshots not yet shipped to the warehouse, oldest first.
func (r *Repository) ListUnexported(ctx context.Context, limit int) ([]models.MetricsSnapshot, error) {
	var rows []models.MetricsSnapshot
	err := r.DB(ctx).
		Where("exported_at IS NULL").
		Order("computed_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkExported(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.DB(ctx).Model(&models.MetricsSnapshot{}).
		Where("id IN ?", ids).
		Update("exported_at", at.UTC()).Error
}
