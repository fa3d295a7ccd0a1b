package subscriptions

import (
	"fmt"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Decision is the outcome of folding one event into the current record.
type Decision struct {
	Outcome enums.ApplyOutcome
	Reason  string
	// Issue is set on rejections that need an operator.
	Issue enums.IssueReason
	// Next is the record to persist; nil unless Outcome is applied.
	Next          *models.Subscription
	From          enums.SubscriptionStatus
	StatusChanged bool
}

const (
	ReasonStale           = "stale event"
	ReasonDuplicate       = "duplicate event"
	ReasonAlreadyCanceled = "subscription already canceled"
	ReasonUnknownTenant   = "unknown tenant"
)

// Decide applies the lifecycle rules to current (nil when the tenant has no
// subscription yet). It has no side effects; the metrics replay folds the
// billing log through the same function.
func Decide(current *models.Subscription, ev Event) Decision {
	if current != nil && current.LastEventAt != nil && ev.OccurredAt.Before(*current.LastEventAt) {
		return Decision{Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonStale}
	}
	if ev.Payload.PlanID != "" && !ev.Payload.PlanID.IsValid() {
		return reject(enums.IssueInvalidTransition, fmt.Sprintf("unknown plan %q", ev.Payload.PlanID))
	}

	subID := ev.Payload.ProviderSubscriptionID
	newLifecycle := current == nil ||
		(current.Status == enums.SubscriptionStatusCanceled && subID != "" && subID != current.ProviderSubscriptionID)

	if !newLifecycle {
		if subID != "" && subID != current.ProviderSubscriptionID {
			return reject(enums.IssueSubscriptionMismatch,
				fmt.Sprintf("event targets %s but tenant is on %s", subID, current.ProviderSubscriptionID))
		}
		target, ok := targetStatus(current, ev)
		if !ok {
			return reject(enums.IssueInvalidTransition, fmt.Sprintf("unsupported provider status %q", ev.Payload.Status))
		}
		if current.Status == enums.SubscriptionStatusCanceled {
			if target == enums.SubscriptionStatusCanceled {
				return Decision{Outcome: enums.ApplyOutcomeIgnored, Reason: ReasonAlreadyCanceled}
			}
			return reject(enums.IssueInvalidTransition, fmt.Sprintf("subscription %s is canceled", current.ProviderSubscriptionID))
		}
		if target != current.Status && !CanTransition(current.Status, target) {
			return reject(enums.IssueInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", current.Status, target))
		}

		next := *current
		applyFields(&next, current.Status, target, ev)
		return Decision{
			Outcome:       enums.ApplyOutcomeApplied,
			Next:          &next,
			From:          current.Status,
			StatusChanged: target != current.Status,
		}
	}

	target, ok := targetStatus(nil, ev)
	if !ok {
		return reject(enums.IssueInvalidTransition, fmt.Sprintf("unsupported provider status %q", ev.Payload.Status))
	}
	if target != enums.SubscriptionStatusTrialing && target != enums.SubscriptionStatusActive {
		return reject(enums.IssueInvalidTransition, fmt.Sprintf("subscription cannot start as %s", target))
	}
	if subID == "" {
		return reject(enums.IssueInvalidTransition, "missing provider subscription id")
	}
	if ev.Payload.PlanID == "" {
		return reject(enums.IssueInvalidTransition, "missing plan")
	}

	next := models.Subscription{
		TenantID:               ev.TenantID,
		ProviderSubscriptionID: subID,
	}
	var from enums.SubscriptionStatus
	if current != nil {
		next.TenantID = current.TenantID
		next.Version = current.Version
		next.ProviderCustomerID = current.ProviderCustomerID
		next.CreatedAt = current.CreatedAt
		from = current.Status
	}
	applyFields(&next, "", target, ev)
	return Decision{
		Outcome:       enums.ApplyOutcomeApplied,
		Next:          &next,
		From:          from,
		StatusChanged: true,
	}
}

func reject(issue enums.IssueReason, reason string) Decision {
	return Decision{Outcome: enums.ApplyOutcomeRejected, Reason: reason, Issue: issue}
}

// targetStatus maps the event onto a local status. current is nil when the
// event opens a new lifecycle.
func targetStatus(current *models.Subscription, ev Event) (enums.SubscriptionStatus, bool) {
	switch ev.Type {
	case enums.BillingEventInvoicePaid:
		if current != nil && current.Status == enums.SubscriptionStatusTrialing && ev.Payload.AmountPaid == 0 &&
			(current.TrialEnd == nil || ev.OccurredAt.Before(*current.TrialEnd)) {
			return enums.SubscriptionStatusTrialing, true
		}
		if current == nil && ev.Payload.AmountPaid == 0 && ev.Payload.Status == ProviderStatusTrialing {
			return enums.SubscriptionStatusTrialing, true
		}
		return enums.SubscriptionStatusActive, true
	case enums.BillingEventInvoiceFailed:
		return enums.SubscriptionStatusPastDue, true
	case enums.BillingEventSubscriptionCanceled:
		return enums.SubscriptionStatusCanceled, true
	case enums.BillingEventSubscriptionCreated:
		if current == nil {
			if ev.Payload.Status == ProviderStatusTrialing {
				return enums.SubscriptionStatusTrialing, true
			}
			return enums.SubscriptionStatusActive, true
		}
		fallthrough
	case enums.BillingEventSubscriptionUpdated:
		if status, ok := mapProviderStatus(ev.Payload.Status); ok {
			return status, true
		}
		if current != nil {
			// incomplete, paused and similar carry field updates only
			return current.Status, true
		}
		return "", false
	default:
		return "", false
	}
}

func applyFields(next *models.Subscription, from, target enums.SubscriptionStatus, ev Event) {
	p := ev.Payload
	occurred := ev.OccurredAt.UTC()

	next.Status = target
	if p.PlanID != "" {
		next.PlanID = p.PlanID
	}
	if p.ProviderCustomerID != "" {
		next.ProviderCustomerID = p.ProviderCustomerID
	}

	start, end := next.CurrentPeriodStart, next.CurrentPeriodEnd
	if p.CurrentPeriodStart != nil {
		start = utcPtr(*p.CurrentPeriodStart)
	}
	if p.CurrentPeriodEnd != nil {
		end = utcPtr(*p.CurrentPeriodEnd)
	}
	if start == nil || end == nil || !end.Before(*start) {
		next.CurrentPeriodStart, next.CurrentPeriodEnd = start, end
	}

	if p.TrialEnd != nil {
		next.TrialEnd = utcPtr(*p.TrialEnd)
	}
	if p.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}

	switch {
	case target == enums.SubscriptionStatusPastDue && from != enums.SubscriptionStatusPastDue:
		next.PastDueSince = utcPtr(occurred)
	case target != enums.SubscriptionStatusPastDue:
		next.PastDueSince = nil
	}
	switch {
	case target == enums.SubscriptionStatusCanceled && from != enums.SubscriptionStatusCanceled:
		next.CanceledAt = utcPtr(occurred)
		next.CancelAtPeriodEnd = false
	case target != enums.SubscriptionStatusCanceled:
		next.CanceledAt = nil
	}

	next.LastEventID = ev.ID
	next.LastEventAt = utcPtr(occurred)
	next.Version++
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
