package subscriptions_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/internal/subscriptions/subscriptionstest"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/db/dbtest"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/outbox"
)

type harness struct {
	client     *db.Client
	repo       *subscriptions.Repository
	reconciler *subscriptions.Reconciler
	changes    []subscriptions.Change
	mu         sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t)
	dbtest.SeedTenants(t, client, models.Tenant{ID: "tenant-1"}, models.Tenant{ID: "tenant-2"})

	h := &harness{client: client, repo: subscriptions.NewRepository(client.DB())}
	notifier := subscriptions.NewNotifier()
	notifier.Subscribe(func(_ context.Context, c subscriptions.Change) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})

	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:     h.repo,
		Tx:       client,
		Outbox:   outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Locker:   subscriptions.NewLocalLocker(time.Second),
		Notifier: notifier,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
	})
	require.NoError(t, err)
	h.reconciler = reconciler
	return h
}

func (h *harness) apply(t *testing.T, row models.BillingEvent) (*models.Subscription, subscriptions.Result) {
	t.Helper()
	row = subscriptionstest.Append(t, h.client, row)
	sub, res, err := h.reconciler.Apply(context.Background(), row.TenantID, row)
	require.NoError(t, err)
	return sub, res
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.client.DB().Model(model).Count(&n).Error)
	return n
}

func created(t *testing.T, id string, at time.Time, status string) models.BillingEvent {
	return subscriptionstest.Event(t, id, "tenant-1", enums.BillingEventSubscriptionCreated, at, subscriptions.Payload{
		ProviderSubscriptionID: "sub_1",
		ProviderCustomerID:     "cus_1",
		Status:                 status,
		PlanID:                 enums.PlanGrowth,
		CurrentPeriodStart:     subscriptionstest.Time(at),
		CurrentPeriodEnd:       subscriptionstest.Time(at.Add(30 * 24 * time.Hour)),
	})
}

func TestApplyCreatesSubscriptionAndPublishes(t *testing.T) {
	h := newHarness(t)

	sub, res := h.apply(t, created(t, "evt_1", t0, "active"))
	require.Equal(t, enums.ApplyOutcomeApplied, res.Outcome)
	require.Equal(t, int64(1), res.Version)
	require.Equal(t, enums.SubscriptionStatusActive, sub.Status)

	stored, err := h.reconciler.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)
	require.Equal(t, "evt_1", stored.LastEventID)

	require.Equal(t, int64(1), h.count(t, &models.SubscriptionTransition{}))
	require.Equal(t, int64(1), h.count(t, &models.OutboxEvent{}))
	require.Equal(t, int64(1), h.count(t, &models.ReconciliationResult{}))
	require.Len(t, h.changes, 1)
	require.Equal(t, int64(1), h.changes[0].Version)
}

func TestApplyDuplicateEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	row := subscriptionstest.Append(t, h.client, created(t, "evt_1", t0, "active"))

	_, first, err := h.reconciler.Apply(context.Background(), "tenant-1", row)
	require.NoError(t, err)
	sub, second, err := h.reconciler.Apply(context.Background(), "tenant-1", row)
	require.NoError(t, err)

	require.Equal(t, enums.ApplyOutcomeApplied, first.Outcome)
	require.Equal(t, enums.ApplyOutcomeIgnored, second.Outcome)
	require.Equal(t, subscriptions.ReasonDuplicate, second.Reason)
	require.Equal(t, int64(1), sub.Version)
	require.Equal(t, int64(1), h.count(t, &models.SubscriptionTransition{}))
	require.Len(t, h.changes, 1)
}

func TestApplyConcurrentRetriesRecordOneTransition(t *testing.T) {
	h := newHarness(t)
	h.apply(t, created(t, "evt_1", t0, "active"))
	failed := subscriptionstest.Append(t, h.client,
		subscriptionstest.Event(t, "evt_2", "tenant-1", enums.BillingEventInvoiceFailed, t0.Add(time.Hour), subscriptions.Payload{}))

	var wg sync.WaitGroup
	results := make([]subscriptions.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, res, err := h.reconciler.Apply(context.Background(), "tenant-1", failed)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := []enums.ApplyOutcome{results[0].Outcome, results[1].Outcome}
	require.ElementsMatch(t, []enums.ApplyOutcome{enums.ApplyOutcomeApplied, enums.ApplyOutcomeIgnored}, outcomes)
	require.Equal(t, int64(2), h.count(t, &models.SubscriptionTransition{}))

	sub, err := h.reconciler.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, enums.SubscriptionStatusPastDue, sub.Status)
	require.Equal(t, int64(2), sub.Version)
}

func TestApplyStaleEventNeverRegressesStatus(t *testing.T) {
	h := newHarness(t)
	h.apply(t, created(t, "evt_1", t0, "active"))
	h.apply(t, subscriptionstest.Event(t, "evt_cancel", "tenant-1", enums.BillingEventSubscriptionCanceled, t0.Add(2*time.Hour), subscriptions.Payload{}))

	sub, res := h.apply(t, subscriptionstest.Event(t, "evt_late", "tenant-1", enums.BillingEventSubscriptionUpdated, t0.Add(time.Hour), subscriptions.Payload{Status: "active"}))
	require.Equal(t, enums.ApplyOutcomeIgnored, res.Outcome)
	require.Equal(t, subscriptions.ReasonStale, res.Reason)
	require.Equal(t, enums.SubscriptionStatusCanceled, sub.Status)
	require.Equal(t, int64(2), sub.Version)
}

func TestApplyInvalidTransitionIsRejectedAndQueued(t *testing.T) {
	h := newHarness(t)
	h.apply(t, created(t, "evt_1", t0, "trialing"))

	sub, res := h.apply(t, subscriptionstest.Event(t, "evt_fail", "tenant-1", enums.BillingEventInvoiceFailed, t0.Add(time.Hour), subscriptions.Payload{}))
	require.Equal(t, enums.ApplyOutcomeRejected, res.Outcome)
	require.Equal(t, enums.SubscriptionStatusTrialing, sub.Status)
	require.Equal(t, int64(1), sub.Version)

	issues, err := h.repo.ListOpenIssues(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, enums.IssueInvalidTransition, issues[0].Reason)
	require.Equal(t, "evt_fail", issues[0].EventID)
}

func TestApplyUnknownTenantIsRejected(t *testing.T) {
	h := newHarness(t)
	row := created(t, "evt_ghost", t0, "active")
	row.TenantID = "tenant-ghost"

	sub, res := h.apply(t, row)
	require.Nil(t, sub)
	require.Equal(t, enums.ApplyOutcomeRejected, res.Outcome)
	require.Equal(t, subscriptions.ReasonUnknownTenant, res.Reason)
	require.Zero(t, h.count(t, &models.Subscription{}))

	issues, err := h.repo.ListOpenIssues(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, enums.IssueUnknownTenant, issues[0].Reason)
}

func TestApplyProviderSubscriptionOwnedByAnotherTenant(t *testing.T) {
	h := newHarness(t)
	h.apply(t, created(t, "evt_1", t0, "active"))

	row := created(t, "evt_2", t0.Add(time.Hour), "active")
	row.TenantID = "tenant-2"
	sub, res := h.apply(t, row)
	require.Nil(t, sub)
	require.Equal(t, enums.ApplyOutcomeRejected, res.Outcome)

	issues, err := h.repo.ListOpenIssues(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, enums.IssueSubscriptionMismatch, issues[0].Reason)
}

func TestVersionIsStrictlyIncreasing(t *testing.T) {
	h := newHarness(t)
	rows := []models.BillingEvent{
		created(t, "evt_1", t0, "trialing"),
		subscriptionstest.Event(t, "evt_2", "tenant-1", enums.BillingEventInvoicePaid, t0.Add(time.Hour), subscriptions.Payload{AmountPaid: 7900}),
		subscriptionstest.Event(t, "evt_3", "tenant-1", enums.BillingEventInvoiceFailed, t0.Add(2*time.Hour), subscriptions.Payload{}),
		subscriptionstest.Event(t, "evt_4", "tenant-1", enums.BillingEventInvoicePaid, t0.Add(3*time.Hour), subscriptions.Payload{AmountPaid: 7900}),
	}
	last := int64(0)
	for _, row := range rows {
		sub, res := h.apply(t, row)
		require.Equal(t, enums.ApplyOutcomeApplied, res.Outcome)
		require.Greater(t, sub.Version, last)
		last = sub.Version
	}

	transitions, err := h.repo.ListTransitions(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	for _, tr := range transitions {
		if tr.FromStatus != "" {
			require.True(t, subscriptions.CanTransition(tr.FromStatus, tr.ToStatus), "%s -> %s", tr.FromStatus, tr.ToStatus)
		}
	}
}

func TestCancellationFlagLeavesStatusUntilProviderCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.apply(t, created(t, "evt_1", t0, "active"))

	sub, err := h.reconciler.MarkCancellationRequested(ctx, "tenant-1")
	require.NoError(t, err)
	require.True(t, sub.CancelAtPeriodEnd)
	require.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.Equal(t, int64(2), sub.Version)

	again, err := h.reconciler.MarkCancellationRequested(ctx, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), again.Version)

	sub, res := h.apply(t, subscriptionstest.Event(t, "evt_end", "tenant-1", enums.BillingEventSubscriptionCanceled, t0.Add(30*24*time.Hour), subscriptions.Payload{}))
	require.Equal(t, enums.ApplyOutcomeApplied, res.Outcome)
	require.Equal(t, enums.SubscriptionStatusCanceled, sub.Status)

	_, err = h.reconciler.MarkCancellationRequested(ctx, "tenant-1")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
}

func TestClearCancellationRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.apply(t, created(t, "evt_1", t0, "active"))

	_, err := h.reconciler.MarkCancellationRequested(ctx, "tenant-1")
	require.NoError(t, err)
	sub, err := h.reconciler.ClearCancellationRequest(ctx, "tenant-1")
	require.NoError(t, err)
	require.False(t, sub.CancelAtPeriodEnd)
	require.Equal(t, int64(3), sub.Version)
	require.Equal(t, int64(3), h.count(t, &models.OutboxEvent{}))
}

func TestGetMissingSubscription(t *testing.T) {
	h := newHarness(t)
	_, err := h.reconciler.Get(context.Background(), "tenant-2")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))

	sub, err := h.reconciler.Find(context.Background(), "tenant-2")
	require.NoError(t, err)
	require.Nil(t, sub)
}

func TestListUnreconciledSkipsDecidedEvents(t *testing.T) {
	h := newHarness(t)
	h.apply(t, created(t, "evt_1", t0, "active"))
	subscriptionstest.Append(t, h.client, subscriptionstest.Event(t, "evt_2", "tenant-1", enums.BillingEventInvoicePaid, t0.Add(time.Hour), subscriptions.Payload{AmountPaid: 10}))

	rows, err := h.repo.ListUnreconciled(context.Background(), t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "evt_2", rows[0].EventID)
}

// racedTx reports that another writer recorded the event first.
type racedTx struct{}

func (racedTx) WithTx(context.Context, func(*gorm.DB) error) error {
	return errors.New("UNIQUE constraint failed: reconciliation_results.event_id")
}

func racedReconciler(t *testing.T, client *db.Client) *subscriptions.Reconciler {
	t.Helper()
	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:   subscriptions.NewRepository(client.DB()),
		Tx:     racedTx{},
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Locker: subscriptions.NewLocalLocker(time.Second),
		Logger: logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
	})
	require.NoError(t, err)
	return reconciler
}

func TestApplyLostResultRaceReportsDuplicate(t *testing.T) {
	h := newHarness(t)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h.apply(t, created(t, "evt_created", t0, "active"))

	row := subscriptionstest.Event(t, "evt_failed", "tenant-1", enums.BillingEventInvoiceFailed, t0.Add(time.Hour), subscriptions.Payload{})
	sub, res, err := racedReconciler(t, h.client).Apply(context.Background(), "tenant-1", row)
	require.NoError(t, err)
	assert.Equal(t, enums.ApplyOutcomeIgnored, res.Outcome)
	assert.Equal(t, subscriptions.ReasonDuplicate, res.Reason)
	require.NotNil(t, sub)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
}

func TestApplyLostResultRaceSurfacesLookupFailure(t *testing.T) {
	h := newHarness(t)
	reconciler := racedReconciler(t, h.client)

	sqlDB, err := h.client.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _, err = reconciler.Apply(context.Background(), "tenant-1", created(t, "evt_created", t0, "active"))
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInternal))
}

// deadlineTx records whether the transaction ran under a deadline.
type deadlineTx struct {
	*db.Client
	remaining time.Duration
}

func (d *deadlineTx) WithTx(ctx context.Context, fn func(*gorm.DB) error) error {
	if deadline, ok := ctx.Deadline(); ok {
		d.remaining = time.Until(deadline)
	}
	return d.Client.WithTx(ctx, fn)
}

func TestApplyBoundsTenantSectionByApplyTimeout(t *testing.T) {
	client := dbtest.Open(t)
	dbtest.SeedTenants(t, client, models.Tenant{ID: "tenant-1"})
	tx := &deadlineTx{Client: client}

	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:         subscriptions.NewRepository(client.DB()),
		Tx:           tx,
		Outbox:       outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Locker:       subscriptions.NewLocalLocker(time.Second),
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
		ApplyTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	row := subscriptionstest.Append(t, client, created(t, "evt_created", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "active"))
	_, res, err := reconciler.Apply(context.Background(), "tenant-1", row)
	require.NoError(t, err)
	assert.Equal(t, enums.ApplyOutcomeApplied, res.Outcome)
	assert.Greater(t, tx.remaining, time.Duration(0))
	assert.LessOrEqual(t, tx.remaining, 2*time.Second)
}
