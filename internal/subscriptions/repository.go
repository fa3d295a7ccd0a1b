package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/shopbilling/internal/repo"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

// ErrVersionConflict is returned when the optimistic update matched no row.
var ErrVersionConflict = errors.New("subscription version conflict")

// Repository persists subscriptions and the reconciliation audit tables.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// FindByTenant returns nil without error when the tenant has no subscription.
func (r *Repository) FindByTenant(ctx context.Context, tenantID string) (*models.Subscription, error) {
	return findSubscription(r.DB(ctx), "tenant_id = ?", tenantID)
}

func (r *Repository) FindByTenantTx(tx *gorm.DB, tenantID string) (*models.Subscription, error) {
	return findSubscription(tx, "tenant_id = ?", tenantID)
}

// FindByProviderIDs resolves a subscription by provider subscription id first,
// then by provider customer id.
func (r *Repository) FindByProviderIDs(ctx context.Context, providerSubscriptionID, providerCustomerID string) (*models.Subscription, error) {
	if providerSubscriptionID != "" {
		sub, err := findSubscription(r.DB(ctx), "provider_subscription_id = ?", providerSubscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if providerCustomerID != "" {
		return findSubscription(r.DB(ctx).Order("updated_at DESC"), "provider_customer_id = ?", providerCustomerID)
	}
	return nil, nil
}

func findSubscription(db *gorm.DB, query string, args ...any) (*models.Subscription, error) {
	var sub models.Subscription
	err := db.Where(query, args...).Take(&sub).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindTenant returns nil without error for tenants missing from the directory.
func (r *Repository) FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	return r.FindTenantTx(r.DB(ctx), tenantID)
}

func (r *Repository) FindTenantTx(tx *gorm.DB, tenantID string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := tx.Where("id = ?", tenantID).Take(&tenant).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// FindTenantByCustomer looks a tenant up by its provider customer id.
func (r *Repository) FindTenantByCustomer(ctx context.Context, providerCustomerID string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := r.DB(ctx).Where("provider_customer_id = ?", providerCustomerID).Take(&tenant).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *Repository) CreateTx(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Create(sub).Error
}

// UpdateVersionedTx writes sub only if the stored version still equals expected.
func (r *Repository) UpdateVersionedTx(tx *gorm.DB, sub *models.Subscription, expected int64) error {
	res := tx.Model(&models.Subscription{}).
		Where("tenant_id = ? AND version = ?", sub.TenantID, expected).
		Updates(map[string]any{
			"plan_id":                  sub.PlanID,
			"status":                   sub.Status,
			"current_period_start":     sub.CurrentPeriodStart,
			"current_period_end":       sub.CurrentPeriodEnd,
			"trial_end":                sub.TrialEnd,
			"cancel_at_period_end":     sub.CancelAtPeriodEnd,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"provider_customer_id":     sub.ProviderCustomerID,
			"version":                  sub.Version,
			"last_event_id":            sub.LastEventID,
			"last_event_at":            sub.LastEventAt,
			"past_due_since":           sub.PastDueSince,
			"canceled_at":              sub.CanceledAt,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ResultForTx returns the recorded decision for eventID, or nil.
func (r *Repository) ResultForTx(tx *gorm.DB, eventID string) (*models.ReconciliationResult, error) {
	var result models.ReconciliationResult
	err := tx.Where("event_id = ?", eventID).Take(&result).Error
	if repo.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Repository) InsertResultTx(tx *gorm.DB, result *models.ReconciliationResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	return tx.Create(result).Error
}

func (r *Repository) InsertTransitionTx(tx *gorm.DB, transition *models.SubscriptionTransition) error {
	if transition.ID == uuid.Nil {
		transition.ID = uuid.New()
	}
	return tx.Create(transition).Error
}

// InsertIssue records an entry for manual inspection. tx may be nil.
func (r *Repository) InsertIssue(ctx context.Context, tx *gorm.DB, issue *models.ReconciliationIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	return r.Conn(ctx, tx).Create(issue).Error
}

// ListOpenIssues returns unresolved issues, newest first.
func (r *Repository) ListOpenIssues(ctx context.Context, limit int) ([]models.ReconciliationIssue, error) {
	var issues []models.ReconciliationIssue
	err := r.DB(ctx).
		Where("resolved_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&issues).Error
	return issues, err
}

// ListTransitions returns the audit trail for a tenant in version order.
func (r *Repository) ListTransitions(ctx context.Context, tenantID string) ([]models.SubscriptionTransition, error) {
	var rows []models.SubscriptionTransition
	err := r.DB(ctx).Where("tenant_id = ?", tenantID).Order("version ASC").Find(&rows).Error
	return rows, err
}

// ListUnreconciled returns appended events without a decision that were
// ingested before cutoff, oldest first.
func (r *Repository) ListUnreconciled(ctx context.Context, cutoff time.Time, limit int) ([]models.BillingEvent, error) {
	var rows []models.BillingEvent
	err := r.DB(ctx).
		Table("billing_events AS be").
		Select("be.*").
		Joins("LEFT JOIN reconciliation_results rr ON rr.event_id = be.event_id").
		Where("rr.id IS NULL AND be.ingested_at < ?", cutoff.UTC()).
		Order("be.seq ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}
