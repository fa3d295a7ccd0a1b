// Package entitlements derives what a tenant may use from its subscription.
// Nothing here writes state.
package entitlements

import (
	"sort"
	"time"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Policy holds the time-driven degradation rules.
type Policy struct {
	GracePeriod time.Duration
}

// Usage is what the tenant has provisioned today.
type Usage struct {
	Users int
	Shops int
}

// OverLimit counts provisioned resources above the effective limits. They are
// flagged, never removed.
type OverLimit struct {
	Users int `json:"users"`
	Shops int `json:"shops"`
}

// Snapshot is the derived entitlement view for one subscription version.
type Snapshot struct {
	TenantID            string                   `json:"tenantId"`
	SubscriptionVersion int64                    `json:"subscriptionVersion"`
	PlanID              enums.PlanID             `json:"planId"`
	Status              enums.SubscriptionStatus `json:"status,omitempty"`
	EffectiveFeatures   []enums.FeatureFlag      `json:"effectiveFeatures"`
	MaxUsers            int                      `json:"maxUsers"`
	MaxShops            int                      `json:"maxShops"`
	InGracePeriod       bool                     `json:"inGracePeriod"`
	GracePeriodEndsAt   *time.Time               `json:"gracePeriodEndsAt,omitempty"`
	ReadOnly            bool                     `json:"readOnly"`
	Trialing            bool                     `json:"trialing"`
	TrialEndsAt         *time.Time               `json:"trialEndsAt,omitempty"`
	CancelAtPeriodEnd   bool                     `json:"cancelAtPeriodEnd"`
	OverLimit           OverLimit                `json:"overLimit"`
	ResolvedAt          time.Time                `json:"resolvedAt"`

	// changesAt is the next instant the snapshot flips on its own.
	changesAt time.Time
}

// Has reports whether f is in the effective feature set.
func (s Snapshot) Has(f enums.FeatureFlag) bool {
	for _, candidate := range s.EffectiveFeatures {
		if candidate == f {
			return true
		}
	}
	return false
}

// ChangesAt returns the next time-driven boundary, or zero if there is none.
func (s Snapshot) ChangesAt() time.Time {
	return s.changesAt
}

// Compute resolves entitlements for sub at now. sub may be nil for tenants
// that never subscribed.
func Compute(tenantID string, sub *models.Subscription, catalog *plans.Catalog, usage Usage, overrides []enums.FeatureFlag, now time.Time, policy Policy) Snapshot {
	now = now.UTC()
	snap := Snapshot{TenantID: tenantID, ResolvedAt: now}

	if sub == nil {
		applyPlan(&snap, catalog.Lowest())
		applyOverrides(&snap, overrides)
		applyUsage(&snap, usage)
		return snap
	}

	snap.SubscriptionVersion = sub.Version
	snap.Status = sub.Status
	snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	plan, ok := catalog.Lookup(sub.PlanID)
	if !ok {
		plan = catalog.Lowest()
	}

	degraded := false
	switch sub.Status {
	case enums.SubscriptionStatusActive:
		applyPlan(&snap, plan)

	case enums.SubscriptionStatusTrialing:
		applyPlan(&snap, plan)
		snap.Trialing = true
		snap.TrialEndsAt = copyTime(sub.TrialEnd)
		if sub.TrialEnd != nil {
			if now.Before(*sub.TrialEnd) {
				snap.changesAt = *sub.TrialEnd
			} else {
				degraded = applyGrace(&snap, plan, *sub.TrialEnd, now, policy)
			}
		}

	case enums.SubscriptionStatusPastDue:
		applyPlan(&snap, plan)
		degraded = applyGrace(&snap, plan, pastDueAnchor(sub), now, policy)

	default:
		applyPlan(&snap, catalog.Lowest())
		degraded = true
	}

	if !degraded {
		applyOverrides(&snap, overrides)
	}
	applyUsage(&snap, usage)
	return snap
}

func applyPlan(snap *Snapshot, plan plans.Definition) {
	snap.PlanID = plan.ID
	snap.EffectiveFeatures = plan.Features()
	snap.MaxUsers = plan.MaxUsers
	snap.MaxShops = plan.MaxShops
}

// applyGrace keeps full features until anchor+grace and drops to the
// read-only subset afterwards. It reports whether the tenant is degraded.
func applyGrace(snap *Snapshot, plan plans.Definition, anchor, now time.Time, policy Policy) bool {
	ends := anchor.Add(policy.GracePeriod).UTC()
	snap.GracePeriodEndsAt = &ends
	if now.Before(ends) {
		snap.InGracePeriod = true
		snap.changesAt = ends
		return false
	}
	readOnly := make([]enums.FeatureFlag, 0, len(enums.ReadOnlyFeatures))
	for _, f := range enums.ReadOnlyFeatures {
		if plan.Has(f) {
			readOnly = append(readOnly, f)
		}
	}
	sortFeatures(readOnly)
	snap.EffectiveFeatures = readOnly
	snap.ReadOnly = true
	return true
}

func pastDueAnchor(sub *models.Subscription) time.Time {
	switch {
	case sub.PastDueSince != nil:
		return *sub.PastDueSince
	case sub.LastEventAt != nil:
		return *sub.LastEventAt
	default:
		return sub.UpdatedAt
	}
}

func applyOverrides(snap *Snapshot, overrides []enums.FeatureFlag) {
	for _, f := range overrides {
		if f.IsValid() && !snap.Has(f) {
			snap.EffectiveFeatures = append(snap.EffectiveFeatures, f)
		}
	}
	sortFeatures(snap.EffectiveFeatures)
}

func applyUsage(snap *Snapshot, usage Usage) {
	if usage.Users > snap.MaxUsers {
		snap.OverLimit.Users = usage.Users - snap.MaxUsers
	}
	if usage.Shops > snap.MaxShops {
		snap.OverLimit.Shops = usage.Shops - snap.MaxShops
	}
}

func sortFeatures(features []enums.FeatureFlag) {
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
