package entitlements

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type subscriptionReader interface {
	Find(ctx context.Context, tenantID string) (*models.Subscription, error)
}

type tenantReader interface {
	FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// ResolverParams groups resolver dependencies.
type ResolverParams struct {
	Subscriptions subscriptionReader
	Tenants       tenantReader
	Catalog       *plans.Catalog
	Policy        Policy
	CacheTTL      time.Duration
	Logger        *logger.Logger
	Now           func() time.Time
}

type cacheEntry struct {
	version   int64
	snapshot  Snapshot
	expiresAt time.Time
}

// Resolver serves snapshots from a short-lived cache keyed by tenant and
// subscription version.
type Resolver struct {
	subs    subscriptionReader
	tenants tenantReader
	catalog *plans.Catalog
	policy  Policy
	ttl     time.Duration
	logg    *logger.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// floor is the newest version announced per tenant; older loads are not cached.
	floor map[string]int64
	group singleflight.Group
}

func NewResolver(params ResolverParams) (*Resolver, error) {
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription reader required")
	}
	if params.Tenants == nil {
		return nil, fmt.Errorf("tenant reader required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if params.Policy.GracePeriod < 0 {
		return nil, fmt.Errorf("grace period must not be negative")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		subs:    params.Subscriptions,
		tenants: params.Tenants,
		catalog: params.Catalog,
		policy:  params.Policy,
		ttl:     params.CacheTTL,
		logg:    params.Logger,
		now:     now,
		cache:   map[string]cacheEntry{},
		floor:   map[string]int64{},
	}, nil
}

// Resolve returns the tenant's current entitlements. Unknown tenants are
// NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Snapshot, error) {
	if snap, ok := r.cached(tenantID); ok {
		return snap, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		return r.load(ctx, tenantID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (r *Resolver) load(ctx context.Context, tenantID string) (Snapshot, error) {
	tenant, err := r.tenants.FindTenant(ctx, tenantID)
	if err != nil {
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load tenant")
	}
	if tenant == nil {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeNotFound, "tenant not found")
	}
	sub, err := r.subs.Find(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}

	now := r.now()
	snap := Compute(tenantID, sub, r.catalog, Usage{Users: tenant.UserCount, Shops: tenant.ShopCount},
		overridesFor(tenant), now, r.policy)
	r.store(snap, now)
	return snap, nil
}

func overridesFor(tenant *models.Tenant) []enums.FeatureFlag {
	out := make([]enums.FeatureFlag, 0, len(tenant.FeatureOverrides))
	for _, raw := range tenant.FeatureOverrides {
		if f, err := enums.ParseFeatureFlag(raw); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (r *Resolver) cached(tenantID string) (Snapshot, bool) {
	if r.ttl <= 0 {
		return Snapshot{}, false
	}
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if !ok || !r.now().Before(entry.expiresAt) {
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

func (r *Resolver) store(snap Snapshot, now time.Time) {
	if r.ttl <= 0 {
		return
	}
	expires := now.Add(r.ttl)
	if boundary := snap.ChangesAt(); !boundary.IsZero() && boundary.Before(expires) {
		expires = boundary
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.SubscriptionVersion < r.floor[snap.TenantID] {
		return
	}
	if existing, ok := r.cache[snap.TenantID]; ok && existing.version > snap.SubscriptionVersion {
		return
	}
	r.cache[snap.TenantID] = cacheEntry{version: snap.SubscriptionVersion, snapshot: snap, expiresAt: expires}
}

// Invalidate drops the cached snapshot for tenantID if it predates version.
func (r *Resolver) Invalidate(tenantID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.floor[tenantID] {
		r.floor[tenantID] = version
	}
	if entry, ok := r.cache[tenantID]; ok && entry.version < version {
		delete(r.cache, tenantID)
	}
}

// OnSubscriptionChanged is registered with the reconciler's notifier.
func (r *Resolver) OnSubscriptionChanged(ctx context.Context, change subscriptions.Change) {
	r.Invalidate(change.TenantID, change.Version)
	if r.logg != nil {
		r.logg.Debug(r.logg.WithTenantID(ctx, change.TenantID), "entitlement cache invalidated")
	}
}
