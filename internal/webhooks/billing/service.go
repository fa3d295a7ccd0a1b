// Package billingwebhook turns provider webhook deliveries into reconciled
// billing events.
package billingwebhook

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
)

const (
	ReasonUnrecognizedType   = "unrecognized event type"
	ReasonUnresolvableTenant = "unresolvable tenant"
	ReasonAlreadyDelivered   = "already delivered"
)

type reconciler interface {
	Apply(ctx context.Context, tenantID string, row models.BillingEvent) (*models.Subscription, subscriptions.Result, error)
}

type eventAppender interface {
	Append(ctx context.Context, row models.BillingEvent) (models.BillingEvent, bool, error)
}

type tenantDirectory interface {
	FindByProviderIDs(ctx context.Context, providerSubscriptionID, providerCustomerID string) (*models.Subscription, error)
	FindTenantByCustomer(ctx context.Context, providerCustomerID string) (*models.Tenant, error)
	InsertIssue(ctx context.Context, tx *gorm.DB, issue *models.ReconciliationIssue) error
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// ServiceParams groups the ingest dependencies. Guard and Metrics are optional.
type ServiceParams struct {
	Normalizer *Normalizer
	Events     eventAppender
	Directory  tenantDirectory
	Reconciler reconciler
	Guard      deliveryGuard
	Metrics    *metrics.BillingMetrics
	Logger     *logger.Logger
}

// IngestResult is returned to the webhook caller.
type IngestResult struct {
	EventID  string             `json:"eventId"`
	TenantID string             `json:"tenantId,omitempty"`
	Outcome  enums.ApplyOutcome `json:"outcome"`
	Reason   string             `json:"reason,omitempty"`
	Version  int64              `json:"version,omitempty"`
}

type Service struct {
	normalizer *Normalizer
	events     eventAppender
	directory  tenantDirectory
	reconciler reconciler
	guard      deliveryGuard
	metrics    *metrics.BillingMetrics
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Normalizer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "normalizer required")
	}
	if params.Events == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event repository required")
	}
	if params.Directory == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "tenant directory required")
	}
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		normalizer: params.Normalizer,
		events:     params.Events,
		directory:  params.Directory,
		reconciler: params.Reconciler,
		guard:      params.Guard,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

// Ingest verifies, normalizes, appends and reconciles one delivery.
func (s *Service) Ingest(ctx context.Context, raw []byte, sig Signatures) (res IngestResult, err error) {
	started := time.Now()
	eventType := "unknown"
	defer func() {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "error"
			if pkgerrors.HasCode(err, pkgerrors.CodeSignature) {
				outcome = "signature_invalid"
			}
		}
		s.metrics.ObserveWebhook(eventType, outcome, time.Since(started))
	}()

	normalized, err := s.normalizer.Normalize(raw, sig)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeSignature) {
			s.logg.Warn(ctx, "billing webhook signature rejected")
		}
		return IngestResult{}, err
	}
	event := normalized.Event
	ctx = s.logg.WithEventID(ctx, event.EventID)

	if !normalized.Recognized {
		s.logg.Info(s.logg.WithField(ctx, "provider_type", event.ProviderType), "billing webhook type ignored")
		return IngestResult{EventID: event.EventID, Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonUnrecognizedType}, nil
	}
	eventType = string(event.Type)

	if s.guard != nil {
		seen, gerr := s.guard.CheckAndMark(ctx, event.EventID)
		if gerr != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", gerr.Error()), "billing webhook guard unavailable")
		} else if seen {
			return IngestResult{EventID: event.EventID, Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonAlreadyDelivered}, nil
		}
	}

	res, err = s.process(ctx, normalized)
	if err != nil && s.guard != nil {
		if rerr := s.guard.Release(ctx, event.EventID); rerr != nil {
			s.logg.Error(ctx, "failed to release billing webhook guard", rerr)
		}
	}
	return res, err
}

func (s *Service) process(ctx context.Context, normalized *Normalized) (IngestResult, error) {
	event := normalized.Event
	result := IngestResult{EventID: event.EventID}

	tenantID, err := s.resolveTenant(ctx, normalized)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve tenant")
	}
	if tenantID == "" {
		if err := s.directory.InsertIssue(ctx, nil, &models.ReconciliationIssue{
			EventID: event.EventID,
			Reason:  enums.IssueUnresolvableTenant,
			Detail:  fmt.Sprintf("%s without tenant linkage", event.ProviderType),
			Payload: event.RawPayload,
		}); err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record unresolvable event")
		}
		s.logg.Warn(s.logg.WithField(ctx, "event_type", event.Type), "billing event has no resolvable tenant")
		result.Outcome = enums.ApplyOutcomeRejected
		result.Reason = ReasonUnresolvableTenant
		return result, nil
	}

	event.TenantID = tenantID
	stored, inserted, err := s.events.Append(ctx, event)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append billing event")
	}
	if !inserted {
		s.logg.Debug(s.logg.WithTenantID(ctx, tenantID), "billing event already logged")
	}

	_, applied, err := s.reconciler.Apply(ctx, stored.TenantID, stored)
	if err != nil {
		return result, err
	}
	result.TenantID = stored.TenantID
	result.Outcome = applied.Outcome
	result.Reason = applied.Reason
	result.Version = applied.Version
	return result, nil
}

// resolveTenant tries provider metadata first, then the subscription mirror,
// then the tenant directory. An empty id means nothing matched.
func (s *Service) resolveTenant(ctx context.Context, normalized *Normalized) (string, error) {
	if normalized.TenantHint != "" {
		return normalized.TenantHint, nil
	}
	p := normalized.Payload
	sub, err := s.directory.FindByProviderIDs(ctx, p.ProviderSubscriptionID, p.ProviderCustomerID)
	if err != nil {
		return "", err
	}
	if sub != nil {
		return sub.TenantID, nil
	}
	if p.ProviderCustomerID == "" {
		return "", nil
	}
	tenant, err := s.directory.FindTenantByCustomer(ctx, p.ProviderCustomerID)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		return "", nil
	}
	return tenant.ID, nil
}
