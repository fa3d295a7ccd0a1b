package revenue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/internal/subscriptions/subscriptionstest"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

var jan1 = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return jan1.Add(time.Duration(n-1) * 24 * time.Hour) }

// logBuilder appends events and records what the reconciler would decide for
// them, in the order they are reconciled.
type logBuilder struct {
	t     *testing.T
	seq   int64
	rows  []LoggedEvent
	state map[string]*models.Subscription
}

// add appends an event and reconciles it straight away.
func (b *logBuilder) add(tenant string, typ enums.BillingEventType, at time.Time, p subscriptions.Payload) {
	b.t.Helper()
	b.reconcile(b.appendOnly(tenant, typ, at, p))
}

// appendOnly appends an event whose reconciliation failed after the append.
func (b *logBuilder) appendOnly(tenant string, typ enums.BillingEventType, at time.Time, p subscriptions.Payload) int {
	b.t.Helper()
	b.seq++
	if p.ProviderSubscriptionID == "" {
		p.ProviderSubscriptionID = "sub_" + tenant
	}
	row := subscriptionstest.Event(b.t, tenant+"_"+string(typ)+"_"+at.Format("0102"), tenant, typ, at, p)
	row.Seq = b.seq
	b.rows = append(b.rows, LoggedEvent{BillingEvent: row})
	return len(b.rows) - 1
}

// reconcile records the decision for row i, as a provider redelivery would.
func (b *logBuilder) reconcile(i int) {
	b.t.Helper()
	if b.state == nil {
		b.state = map[string]*models.Subscription{}
	}
	row := &b.rows[i]
	ev, err := subscriptions.EventFromModel(row.BillingEvent)
	require.NoError(b.t, err)
	d := subscriptions.Decide(b.state[row.TenantID], ev)
	row.Outcome = d.Outcome
	if d.Outcome == enums.ApplyOutcomeApplied {
		b.state[row.TenantID] = d.Next
		row.AppliedVersion = d.Next.Version
	}
}

// sampleLog: A converts from trial before the window, B churns inside it,
// C falls past due, D trials and converts inside it.
func sampleLog(t *testing.T) []LoggedEvent {
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{
		Status: "trialing", PlanID: enums.PlanGrowth, TrialEnd: subscriptionstest.Time(day(15)),
	})
	b.add("B", enums.BillingEventSubscriptionCreated, day(2), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	b.add("C", enums.BillingEventSubscriptionCreated, day(3), subscriptions.Payload{Status: "active", PlanID: enums.PlanEnterprise})
	b.add("A", enums.BillingEventInvoicePaid, day(15), subscriptions.Payload{AmountPaid: 7900})
	b.add("C", enums.BillingEventInvoiceFailed, day(32), subscriptions.Payload{})
	b.add("D", enums.BillingEventSubscriptionCreated, day(36), subscriptions.Payload{
		Status: "trialing", PlanID: enums.PlanStarter, TrialEnd: subscriptionstest.Time(day(50)),
	})
	b.add("B", enums.BillingEventSubscriptionCanceled, day(41), subscriptions.Payload{Status: "canceled"})
	b.add("D", enums.BillingEventInvoicePaid, day(50), subscriptions.Payload{AmountPaid: 2900})
	return b.rows
}

func figuresFor(t *testing.T, rows []LoggedEvent, known map[string]struct{}) Figures {
	t.Helper()
	r := NewReplay(plans.Default(), known)
	r.Fold(rows...)
	w, err := ParseWindow("30d")
	require.NoError(t, err)
	start, end := w.Bounds(day(60))
	return r.Figures(start, end)
}

func TestReplayFigures(t *testing.T) {
	fig := figuresFor(t, sampleLog(t), nil)

	require.True(t, fig.MRR.Equal(decimal.NewFromInt(108)), "mrr %s", fig.MRR)
	require.True(t, fig.ARR.Equal(decimal.NewFromInt(1296)), "arr %s", fig.ARR)
	require.Equal(t, "usd", fig.Currency)
	require.Equal(t, 2, fig.ActiveSubscriptions)
	require.Equal(t, 3, fig.ActiveAtStart)
	require.Equal(t, 1, fig.CanceledInWindow)
	require.True(t, fig.ChurnRate.Equal(decimal.RequireFromString("0.3333")), "churn %s", fig.ChurnRate)
	require.True(t, fig.RetentionRate.Equal(decimal.RequireFromString("0.6667")), "retention %s", fig.RetentionRate)
	require.Equal(t, Funnel{Visits: 3, Trials: 1, Members: 1, Paying: 1}, fig.Funnel)
	require.Equal(t, int64(8), fig.HighWaterMark)
	require.Equal(t, plans.DefaultVersion, fig.CatalogVersion)
}

func TestReplayIsReproducible(t *testing.T) {
	first, err := json.Marshal(figuresFor(t, sampleLog(t), nil))
	require.NoError(t, err)
	second, err := json.Marshal(figuresFor(t, sampleLog(t), nil))
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestReplayEmptyLogHasZeroChurn(t *testing.T) {
	fig := figuresFor(t, nil, nil)
	require.True(t, fig.MRR.IsZero())
	require.True(t, fig.ChurnRate.IsZero())
	require.True(t, fig.RetentionRate.Equal(decimal.NewFromInt(1)))
	require.Equal(t, Funnel{}, fig.Funnel)
}

func TestReplaySkipsUnknownTenantsAndBadPayloads(t *testing.T) {
	rows := sampleLog(t)
	bad := rows[0]
	bad.Seq = 99
	bad.EventID = "evt_bad"
	bad.Payload = []byte("{")
	rows = append(rows, bad)

	known := map[string]struct{}{"A": {}, "B": {}, "C": {}}
	r := NewReplay(plans.Default(), known)
	r.Fold(rows...)
	require.Equal(t, 3, r.Skipped())
	require.Equal(t, int64(99), r.HighWaterMark())

	w, err := ParseWindow("30d")
	require.NoError(t, err)
	fig := r.Figures(w.Bounds(day(60)))
	require.True(t, fig.MRR.Equal(decimal.NewFromInt(79)), "mrr %s", fig.MRR)
	require.Equal(t, 0, fig.Funnel.Trials)
}

func TestReplayIgnoresRejectedAndStaleEvents(t *testing.T) {
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	b.add("A", enums.BillingEventSubscriptionCanceled, day(40), subscriptions.Payload{Status: "canceled"})
	// Delivered late with an older timestamp; the reconciler ignores it.
	b.add("A", enums.BillingEventInvoicePaid, day(39), subscriptions.Payload{AmountPaid: 2900})

	fig := figuresFor(t, b.rows, nil)
	require.True(t, fig.MRR.IsZero(), "mrr %s", fig.MRR)
	require.Equal(t, 1, fig.CanceledInWindow)
	require.Equal(t, 1, fig.Funnel.Paying)
}

func TestReplayFollowsRecordedDecisionsNotAppendOrder(t *testing.T) {
	t0 := day(40)
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	// The cancel is appended but its apply times out; the provider retries
	// only after a newer invoice.failed has applied, so the retry is stale.
	cancel := b.appendOnly("A", enums.BillingEventSubscriptionCanceled, t0.Add(2*time.Hour), subscriptions.Payload{Status: "canceled"})
	b.add("A", enums.BillingEventInvoiceFailed, t0.Add(3*time.Hour), subscriptions.Payload{})
	b.reconcile(cancel)

	require.Equal(t, enums.ApplyOutcomeIgnored, b.rows[cancel].Outcome)
	require.Equal(t, enums.SubscriptionStatusPastDue, b.state["A"].Status)

	fig := figuresFor(t, b.rows, nil)
	require.Equal(t, 1, fig.ActiveAtStart)
	require.Equal(t, 0, fig.CanceledInWindow)
	require.True(t, fig.ChurnRate.IsZero(), "churn %s", fig.ChurnRate)
	require.Equal(t, 0, fig.ActiveSubscriptions)
}

func TestReplayOrdersAppliedEventsByVersion(t *testing.T) {
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	// Appended first, applied last.
	cancel := b.appendOnly("A", enums.BillingEventSubscriptionCanceled, day(45), subscriptions.Payload{Status: "canceled"})
	b.add("A", enums.BillingEventInvoiceFailed, day(42), subscriptions.Payload{})
	b.reconcile(cancel)
	require.Equal(t, enums.ApplyOutcomeApplied, b.rows[cancel].Outcome)

	r := NewReplay(plans.Default(), nil)
	r.Fold(b.rows...)
	require.Zero(t, r.Diverged())

	w, err := ParseWindow("30d")
	require.NoError(t, err)
	fig := r.Figures(w.Bounds(day(60)))
	require.Equal(t, 1, fig.CanceledInWindow)

	h := r.tenants["A"]
	require.Len(t, h.transitions, 3)
	require.Equal(t, enums.SubscriptionStatusPastDue, h.transitions[1].to)
	require.Equal(t, enums.SubscriptionStatusCanceled, h.transitions[2].to)
}

func TestReplayLeavesUnreconciledEventsOut(t *testing.T) {
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	b.appendOnly("A", enums.BillingEventSubscriptionCanceled, day(45), subscriptions.Payload{Status: "canceled"})

	fig := figuresFor(t, b.rows, nil)
	require.Equal(t, 1, fig.ActiveSubscriptions)
	require.Equal(t, 0, fig.CanceledInWindow)
	require.Equal(t, 1, fig.Funnel.Visits)
}

func TestChurnCountsOnlyWindowStartCohort(t *testing.T) {
	b := &logBuilder{t: t}
	b.add("A", enums.BillingEventSubscriptionCreated, day(1), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	// E starts and cancels inside the window; it was never part of the cohort.
	b.add("E", enums.BillingEventSubscriptionCreated, day(40), subscriptions.Payload{Status: "active", PlanID: enums.PlanStarter})
	b.add("E", enums.BillingEventSubscriptionCanceled, day(45), subscriptions.Payload{Status: "canceled"})

	fig := figuresFor(t, b.rows, nil)
	require.Equal(t, 1, fig.ActiveAtStart)
	require.Equal(t, 0, fig.CanceledInWindow)
	require.True(t, fig.ChurnRate.IsZero())
}

func TestParseWindow(t *testing.T) {
	cases := map[string]string{
		"":     "30d",
		"30d":  "30d",
		"720h": "30d",
		"7D":   "7d",
		"90m":  "1h30m0s",
	}
	for in, want := range cases {
		w, err := ParseWindow(in)
		require.NoError(t, err, in)
		require.Equal(t, want, w.Label, in)
	}
	for _, bad := range []string{"0d", "-1h", "abc", "xd"} {
		_, err := ParseWindow(bad)
		require.Error(t, err, bad)
	}

	ws, err := ParseWindows([]string{"7d", "168h", "30d"})
	require.NoError(t, err)
	require.Len(t, ws, 2)
}
