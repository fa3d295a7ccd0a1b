package revenue

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

const (
	rateScale  = 4
	moneyScale = 2
)

// Funnel counts are derived from the billing log only.
type Funnel struct {
	Visits  int `json:"visits"`
	Trials  int `json:"trials"`
	Members int `json:"members"`
	Paying  int `json:"paying"`
}

// Figures are the computed aggregates for one window.
type Figures struct {
	WindowStart         time.Time       `json:"windowStart"`
	WindowEnd           time.Time       `json:"windowEnd"`
	HighWaterMark       int64           `json:"highWaterMark"`
	MRR                 decimal.Decimal `json:"mrr"`
	ARR                 decimal.Decimal `json:"arr"`
	Currency            string          `json:"currency"`
	ChurnRate           decimal.Decimal `json:"churnRate"`
	RetentionRate       decimal.Decimal `json:"retentionRate"`
	ActiveAtStart       int             `json:"activeAtStart"`
	CanceledInWindow    int             `json:"canceledInWindow"`
	ActiveSubscriptions int             `json:"activeSubscriptions"`
	Funnel              Funnel          `json:"funnel"`
	CatalogVersion      string          `json:"catalogVersion"`
}

type statusPoint struct {
	at     time.Time
	status enums.SubscriptionStatus
	plan   enums.PlanID
}

type transition struct {
	at       time.Time
	from, to enums.SubscriptionStatus
}

// LoggedEvent is a billing log row joined with the reconciler's recorded
// decision. Outcome is empty while the event still awaits reconciliation.
type LoggedEvent struct {
	models.BillingEvent
	Outcome        enums.ApplyOutcome `gorm:"column:outcome"`
	AppliedVersion int64              `gorm:"column:applied_version"`
}

type appliedEvent struct {
	version int64
	seq     int64
	ev      subscriptions.Event
}

type tenantHistory struct {
	applied     []appliedEvent
	dirty       bool
	diverged    int
	current     *models.Subscription
	points      []statusPoint
	transitions []transition
	touched     []time.Time
	paid        []time.Time
}

// rebuild refolds the applied events in the order the reconciler applied
// them. A redelivered event can be appended before a newer one yet applied
// after it, so seq order is not processing order.
func (h *tenantHistory) rebuild() {
	sort.SliceStable(h.applied, func(i, j int) bool {
		if h.applied[i].version != h.applied[j].version {
			return h.applied[i].version < h.applied[j].version
		}
		return h.applied[i].seq < h.applied[j].seq
	})
	h.current, h.points, h.transitions, h.diverged = nil, nil, nil, 0
	for _, a := range h.applied {
		d := subscriptions.Decide(h.current, a.ev)
		if d.Outcome != enums.ApplyOutcomeApplied || d.Next == nil {
			h.diverged++
			continue
		}
		h.current = d.Next
		h.points = append(h.points, statusPoint{at: a.ev.OccurredAt, status: d.Next.Status, plan: d.Next.PlanID})
		if d.StatusChanged {
			h.transitions = append(h.transitions, transition{at: a.ev.OccurredAt, from: d.From, to: d.Next.Status})
		}
	}
	h.dirty = false
}

// statusAt returns the status in force at t. Points are in non-decreasing
// time order because the reconciler never applies a stale event.
func (h *tenantHistory) statusAt(t time.Time) (statusPoint, bool) {
	i := sort.Search(len(h.points), func(i int) bool { return h.points[i].at.After(t) })
	if i == 0 {
		return statusPoint{}, false
	}
	return h.points[i-1], true
}

// Replay folds the events the reconciler applied back through its decision
// rules and keeps enough history to answer any window afterwards. Once
// settled, Figures may be called concurrently.
type Replay struct {
	catalog *plans.Catalog
	known   map[string]struct{}
	tenants map[string]*tenantHistory
	hwm     int64
	skipped int
	dirty   bool
}

// NewReplay starts an empty fold. When known is non-nil, events for tenants
// outside it are skipped as the reconciler would reject them.
func NewReplay(catalog *plans.Catalog, known map[string]struct{}) *Replay {
	return &Replay{catalog: catalog, known: known, tenants: map[string]*tenantHistory{}}
}

// Fold records rows. Every decoded row counts toward the funnel; only rows
// the reconciler applied move subscription state.
func (r *Replay) Fold(rows ...LoggedEvent) {
	for _, row := range rows {
		if row.Seq > r.hwm {
			r.hwm = row.Seq
		}
		if r.known != nil {
			if _, ok := r.known[row.TenantID]; !ok {
				r.skipped++
				continue
			}
		}
		ev, err := subscriptions.EventFromModel(row.BillingEvent)
		if err != nil {
			r.skipped++
			continue
		}

		h := r.tenants[ev.TenantID]
		if h == nil {
			h = &tenantHistory{}
			r.tenants[ev.TenantID] = h
		}
		h.touched = append(h.touched, ev.OccurredAt)
		if ev.Type == enums.BillingEventInvoicePaid && ev.Payload.AmountPaid > 0 {
			h.paid = append(h.paid, ev.OccurredAt)
		}
		if row.Outcome == enums.ApplyOutcomeApplied {
			h.applied = append(h.applied, appliedEvent{version: row.AppliedVersion, seq: row.Seq, ev: ev})
			h.dirty = true
			r.dirty = true
		}
	}
}

// Settle refolds tenants touched since the last call. Figures settles on
// demand; builders that share a replay across goroutines settle first.
func (r *Replay) Settle() {
	if !r.dirty {
		return
	}
	for _, h := range r.tenants {
		if h.dirty {
			h.rebuild()
		}
	}
	r.dirty = false
}

// Diverged counts applied events the replay could not re-apply; non-zero
// means the log and the subscription table disagree.
func (r *Replay) Diverged() int {
	r.Settle()
	n := 0
	for _, h := range r.tenants {
		n += h.diverged
	}
	return n
}

// HighWaterMark is the largest seq folded so far.
func (r *Replay) HighWaterMark() int64 { return r.hwm }

// Skipped counts rows that could not be folded.
func (r *Replay) Skipped() int { return r.skipped }

// Figures computes the aggregates for [start, end].
func (r *Replay) Figures(start, end time.Time) Figures {
	r.Settle()
	start, end = start.UTC(), end.UTC()
	lowest := r.catalog.Lowest()
	out := Figures{
		WindowStart:    start,
		WindowEnd:      end,
		HighWaterMark:  r.hwm,
		MRR:            decimal.Zero,
		Currency:       lowest.Currency,
		CatalogVersion: r.catalog.Version(),
	}

	for _, h := range r.tenants {
		if p, ok := h.statusAt(end); ok && p.status == enums.SubscriptionStatusActive {
			out.ActiveSubscriptions++
			if def, ok := r.catalog.Lookup(p.plan); ok {
				out.MRR = out.MRR.Add(def.MonthlyPrice)
			}
		}

		inCohort := false
		if p, ok := h.statusAt(start); ok && isRetained(p.status) {
			inCohort = true
			out.ActiveAtStart++
		}
		churned := false
		for _, tr := range h.transitions {
			if !within(tr.at, start, end) {
				continue
			}
			if tr.to == enums.SubscriptionStatusCanceled && isRetained(tr.from) && inCohort {
				churned = true
			}
			if tr.to == enums.SubscriptionStatusTrialing {
				out.Funnel.Trials++
			}
			if tr.from == enums.SubscriptionStatusTrialing && tr.to == enums.SubscriptionStatusActive {
				out.Funnel.Members++
			}
		}
		if churned {
			out.CanceledInWindow++
		}
		if anyWithin(h.touched, start, end) {
			out.Funnel.Visits++
		}
		if anyWithin(h.paid, start, end) {
			out.Funnel.Paying++
		}
	}

	out.MRR = out.MRR.Round(moneyScale)
	out.ARR = out.MRR.Mul(decimal.NewFromInt(12)).Round(moneyScale)
	out.ChurnRate = decimal.Zero
	if out.ActiveAtStart > 0 {
		out.ChurnRate = decimal.NewFromInt(int64(out.CanceledInWindow)).
			DivRound(decimal.NewFromInt(int64(out.ActiveAtStart)), rateScale)
	}
	out.RetentionRate = decimal.NewFromInt(1).Sub(out.ChurnRate).Round(rateScale)
	return out
}

func isRetained(s enums.SubscriptionStatus) bool {
	return s == enums.SubscriptionStatusActive || s == enums.SubscriptionStatusPastDue
}

// within treats the window as (start, end]; an event exactly at start belongs
// to the previous window.
func within(t, start, end time.Time) bool {
	return t.After(start) && !t.After(end)
}

func anyWithin(times []time.Time, start, end time.Time) bool {
	for _, t := range times {
		if within(t, start, end) {
			return true
		}
	}
	return false
}
