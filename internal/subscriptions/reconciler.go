package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
	"github.com/angelmondragon/shopbilling/pkg/outbox"
	"github.com/angelmondragon/shopbilling/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (string, error)
}

// Result summarizes what Apply did with one event.
type Result struct {
	EventID string             `json:"eventId"`
	Outcome enums.ApplyOutcome `json:"outcome"`
	Reason  string             `json:"reason,omitempty"`
	Version int64              `json:"version"`
}

// ReconcilerParams groups the reconciler's dependencies.
type ReconcilerParams struct {
	Repo     *Repository
	Tx       txRunner
	Outbox   outboxEmitter
	Locker   TenantLocker
	Notifier *Notifier
	Metrics  *metrics.BillingMetrics
	Logger   *logger.Logger
	Now      func() time.Time
	// ApplyTimeout bounds the work done inside the tenant section. Zero
	// leaves it to the caller's context.
	ApplyTimeout time.Duration
}

// Reconciler is the only writer of subscription records.
type Reconciler struct {
	repo     *Repository
	tx       txRunner
	outbox   outboxEmitter
	locker   TenantLocker
	notifier *Notifier
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
	timeout  time.Duration
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("tenant locker required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		repo:     params.Repo,
		tx:       params.Tx,
		outbox:   params.Outbox,
		locker:   params.Locker,
		notifier: params.Notifier,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      now,
		timeout:  params.ApplyTimeout,
	}, nil
}

// Apply folds one appended billing event into the tenant's subscription.
// Duplicate and stale events are ignored; illegal ones are rejected and
// queued for inspection without touching the record.
func (r *Reconciler) Apply(ctx context.Context, tenantID string, row models.BillingEvent) (*models.Subscription, Result, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, Result{}, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if row.TenantID != "" && row.TenantID != tenantID {
		return nil, Result{}, pkgerrors.New(pkgerrors.CodeValidation, "event belongs to another tenant")
	}
	ev, err := EventFromModel(row)
	if err != nil {
		return nil, Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing event payload")
	}
	ev.TenantID = tenantID

	ctx = r.logg.WithEventID(r.logg.WithTenantID(ctx, tenantID), ev.ID)

	release, err := r.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, Result{}, lockError(err)
	}
	defer release()

	ctx, cancel := r.withSectionTimeout(ctx)
	defer cancel()

	var (
		current  *models.Subscription
		decision Decision
		result   = Result{EventID: ev.ID}
	)
	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		existing, err := r.repo.ResultForTx(tx, ev.ID)
		if err != nil {
			return err
		}
		if current, err = r.repo.FindByTenantTx(tx, tenantID); err != nil {
			return err
		}
		if existing != nil {
			decision = Decision{Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonDuplicate}
			return nil
		}

		tenant, err := r.repo.FindTenantTx(tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			decision = reject(enums.IssueUnknownTenant, ReasonUnknownTenant)
		} else {
			decision = Decide(current, ev)
		}

		version := int64(0)
		if current != nil {
			version = current.Version
		}
		switch decision.Outcome {
		case enums.ApplyOutcomeApplied:
			if err := r.persist(ctx, tx, current, decision, ev); err != nil {
				return err
			}
			version = decision.Next.Version
		case enums.ApplyOutcomeRejected:
			if err := r.repo.InsertIssue(ctx, tx, &models.ReconciliationIssue{
				TenantID: &tenantID,
				EventID:  ev.ID,
				Reason:   decision.Issue,
				Detail:   decision.Reason,
				Payload:  row.Payload,
			}); err != nil {
				return err
			}
		}
		return r.repo.InsertResultTx(tx, &models.ReconciliationResult{
			EventID:     ev.ID,
			TenantID:    tenantID,
			Outcome:     decision.Outcome,
			Reason:      decision.Reason,
			Version:     version,
			ProcessedAt: r.now().UTC(),
		})
	})
	if err != nil {
		if db.IsUniqueViolation(err, "ux_reconciliation_results_event_id", "reconciliation_results.event_id") {
			// another writer recorded this event between our read and insert
			var findErr error
			if current, findErr = r.repo.FindByTenant(ctx, tenantID); findErr != nil {
				return nil, Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, findErr, "load subscription after duplicate delivery")
			}
			decision = Decision{Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonDuplicate}
		} else if db.IsUniqueViolation(err, "ux_subscriptions_provider_subscription_id", "subscriptions.provider_subscription_id") {
			decision = reject(enums.IssueSubscriptionMismatch, "provider subscription belongs to another tenant")
			if err := r.recordRejection(ctx, tenantID, row, decision, current); err != nil {
				return nil, Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record rejected billing event")
			}
		} else if errors.Is(err, ErrVersionConflict) {
			return nil, Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "subscription changed concurrently")
		} else {
			return nil, Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reconcile billing event")
		}
	}

	result.Outcome = decision.Outcome
	result.Reason = decision.Reason
	out := current
	if decision.Outcome == enums.ApplyOutcomeApplied {
		out = decision.Next
	}
	if out != nil {
		result.Version = out.Version
	}
	r.metrics.IncReconcile(string(decision.Outcome), string(ev.Type))
	r.report(ctx, ev, decision, out)
	return out, result, nil
}

// recordRejection stores the issue and result rows for a decision reached
// after the main transaction rolled back.
func (r *Reconciler) recordRejection(ctx context.Context, tenantID string, row models.BillingEvent, decision Decision, current *models.Subscription) error {
	version := int64(0)
	if current != nil {
		version = current.Version
	}
	return r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := r.repo.InsertIssue(ctx, tx, &models.ReconciliationIssue{
			TenantID: &tenantID,
			EventID:  row.EventID,
			Reason:   decision.Issue,
			Detail:   decision.Reason,
			Payload:  row.Payload,
		}); err != nil {
			return err
		}
		return r.repo.InsertResultTx(tx, &models.ReconciliationResult{
			EventID:     row.EventID,
			TenantID:    tenantID,
			Outcome:     decision.Outcome,
			Reason:      decision.Reason,
			Version:     version,
			ProcessedAt: r.now().UTC(),
		})
	})
}

func (r *Reconciler) persist(ctx context.Context, tx *gorm.DB, current *models.Subscription, decision Decision, ev Event) error {
	next := decision.Next
	if current == nil {
		if err := r.repo.CreateTx(tx, next); err != nil {
			return err
		}
	} else if err := r.repo.UpdateVersionedTx(tx, next, current.Version); err != nil {
		return err
	}

	if decision.StatusChanged {
		if err := r.repo.InsertTransitionTx(tx, &models.SubscriptionTransition{
			TenantID:               next.TenantID,
			ProviderSubscriptionID: next.ProviderSubscriptionID,
			FromStatus:             decision.From,
			ToStatus:               next.Status,
			EventID:                ev.ID,
			Version:                next.Version,
			OccurredAt:             ev.OccurredAt,
		}); err != nil {
			return err
		}
	}
	return r.emitChanged(ctx, tx, next, decision.From, ev.ID, outbox.ActorProvider)
}

func (r *Reconciler) emitChanged(ctx context.Context, tx *gorm.DB, sub *models.Subscription, previous enums.SubscriptionStatus, sourceEventID string, actor *outbox.ActorRef) error {
	occurred := r.now().UTC()
	_, err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.TenantID,
		Actor:         actor,
		Data: payloads.SubscriptionChangedEvent{
			TenantID:          sub.TenantID,
			Version:           sub.Version,
			Status:            sub.Status,
			PreviousStatus:    previous,
			PlanID:            sub.PlanID,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			SourceEventID:     sourceEventID,
			OccurredAt:        occurred,
		},
		OccurredAt: occurred,
	})
	return err
}

func (r *Reconciler) report(ctx context.Context, ev Event, decision Decision, sub *models.Subscription) {
	fields := map[string]any{
		"event_type": ev.Type,
		"outcome":    decision.Outcome,
	}
	if decision.Reason != "" {
		fields["reason"] = decision.Reason
	}
	if sub != nil {
		fields["version"] = sub.Version
		fields["status"] = sub.Status
	}
	logCtx := r.logg.WithFields(ctx, fields)

	switch {
	case decision.Outcome == enums.ApplyOutcomeRejected:
		r.logg.Warn(logCtx, "billing event rejected")
	case decision.Reason == ReasonStale:
		r.logg.Warn(logCtx, "stale billing event ignored")
	case decision.Outcome == enums.ApplyOutcomeIgnored:
		r.logg.Info(logCtx, "billing event ignored")
	default:
		r.logg.Info(logCtx, "billing event applied")
		r.notifier.Publish(ctx, Change{
			TenantID:          sub.TenantID,
			Version:           sub.Version,
			Status:            sub.Status,
			PreviousStatus:    decision.From,
			PlanID:            sub.PlanID,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			OccurredAt:        ev.OccurredAt,
		})
	}
}

// MarkCancellationRequested sets cancelAtPeriodEnd ahead of the provider
// confirming it. Status is left alone.
func (r *Reconciler) MarkCancellationRequested(ctx context.Context, tenantID string) (*models.Subscription, error) {
	return r.setCancellationFlag(ctx, tenantID, true)
}

// ClearCancellationRequest undoes MarkCancellationRequested after a failed
// provider call.
func (r *Reconciler) ClearCancellationRequest(ctx context.Context, tenantID string) (*models.Subscription, error) {
	return r.setCancellationFlag(ctx, tenantID, false)
}

func (r *Reconciler) withSectionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Reconciler) setCancellationFlag(ctx context.Context, tenantID string, flag bool) (*models.Subscription, error) {
	ctx = r.logg.WithTenantID(ctx, tenantID)
	release, err := r.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, lockError(err)
	}
	defer release()

	ctx, cancel := r.withSectionTimeout(ctx)
	defer cancel()

	var (
		out     *models.Subscription
		changed bool
	)
	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		current, err := r.repo.FindByTenantTx(tx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if current.Status == enums.SubscriptionStatusCanceled {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is already canceled")
		}
		out = current
		if current.CancelAtPeriodEnd == flag {
			return nil
		}
		next := *current
		next.CancelAtPeriodEnd = flag
		next.Version++
		if err := r.repo.UpdateVersionedTx(tx, &next, current.Version); err != nil {
			return err
		}
		out, changed = &next, true
		return r.emitChanged(ctx, tx, &next, current.Status, "", outbox.TenantActor(tenantID))
	})
	if err != nil {
		var typed *pkgerrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update cancellation flag")
	}
	if changed {
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"version":              out.Version,
			"cancel_at_period_end": flag,
		}), "cancellation flag updated")
		r.notifier.Publish(ctx, Change{
			TenantID:          out.TenantID,
			Version:           out.Version,
			Status:            out.Status,
			PreviousStatus:    out.Status,
			PlanID:            out.PlanID,
			CancelAtPeriodEnd: out.CancelAtPeriodEnd,
			OccurredAt:        r.now().UTC(),
		})
	}
	return out, nil
}

// Get returns the tenant's subscription or a NOT_FOUND error.
func (r *Reconciler) Get(ctx context.Context, tenantID string) (*models.Subscription, error) {
	sub, err := r.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// Find returns nil without error when the tenant has no subscription.
func (r *Reconciler) Find(ctx context.Context, tenantID string) (*models.Subscription, error) {
	sub, err := r.repo.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	return sub, nil
}

func lockError(err error) error {
	if errors.Is(err, ErrLockTimeout) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "tenant is busy, retry later")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire tenant lock")
}
