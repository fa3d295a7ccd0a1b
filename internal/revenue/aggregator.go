// Package revenue derives revenue and retention snapshots from the billing log.
package revenue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/shopbilling/internal/plans"
	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/metrics"
)

const (
	defaultBatchSize = 500
	defaultDebounce  = 2 * time.Second
)

// Snapshot is a published, immutable set of figures for one window. Windows
// outside the configured set are computed from the latest build, carry
// version 0 and are never stored.
type Snapshot struct {
	Version int64  `json:"version"`
	Window  string `json:"window"`
	Figures
	ComputedAt time.Time `json:"computedAt"`
}

type snapshotStore interface {
	HighWaterMark(ctx context.Context) (int64, error)
	ScanEvents(ctx context.Context, hwm int64, batch int, fn func([]LoggedEvent) error) error
	KnownTenants(ctx context.Context) (map[string]struct{}, error)
	InsertSnapshot(ctx context.Context, row *models.MetricsSnapshot) error
	Latest(ctx context.Context, window string) (*models.MetricsSnapshot, error)
}

type AggregatorParams struct {
	Store     snapshotStore
	Catalog   *plans.Catalog
	Windows   []Window
	BatchSize int
	Debounce  time.Duration
	Metrics   *metrics.BillingMetrics
	Logger    *logger.Logger
	Now       func() time.Time
}

// Aggregator builds snapshots and serves the latest complete one per window.
type Aggregator struct {
	store     snapshotStore
	catalog   *plans.Catalog
	windows   []Window
	labels    map[string]struct{}
	batchSize int
	debounce  time.Duration
	metrics   *metrics.BillingMetrics
	logg      *logger.Logger
	now       func() time.Time

	// last is the newest complete replay; ad-hoc windows read from it.
	last atomic.Pointer[build]

	buildMu sync.Mutex
	slotsMu sync.Mutex
	slots   map[string]*atomic.Pointer[Snapshot]
	pending chan struct{}
}

type build struct {
	replay *Replay
	asOf   time.Time
}

func NewAggregator(params AggregatorParams) (*Aggregator, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "snapshot store required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	windows := params.Windows
	if len(windows) == 0 {
		w, _ := ParseWindow(DefaultWindow)
		windows = []Window{w}
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	debounce := params.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	labels := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		labels[w.Label] = struct{}{}
	}
	return &Aggregator{
		store:     params.Store,
		catalog:   params.Catalog,
		windows:   windows,
		labels:    labels,
		batchSize: batch,
		debounce:  debounce,
		metrics:   params.Metrics,
		logg:      params.Logger,
		now:       now,
		slots:     map[string]*atomic.Pointer[Snapshot]{},
		pending:   make(chan struct{}, 1),
	}, nil
}

// Windows returns the configured windows.
func (a *Aggregator) Windows() []Window {
	out := make([]Window, len(a.windows))
	copy(out, a.windows)
	return out
}

// Snapshot builds, stores and publishes a fresh snapshot for the configured
// window w.
func (a *Aggregator) Snapshot(ctx context.Context, w Window) (*Snapshot, error) {
	if !a.configured(w.Label) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "metrics window is not configured").
			WithDetails(map[string]any{"window": w.Label})
	}

	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	replay, err := a.load(ctx)
	if err != nil {
		a.fail(ctx, w.Label, err)
		return nil, err
	}
	asOf := a.now()
	a.last.Store(&build{replay: replay, asOf: asOf})
	return a.publish(ctx, w, replay, asOf)
}

// Rebuild refreshes every configured window from one scan of the log.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	replay, err := a.load(ctx)
	if err != nil {
		for _, w := range a.windows {
			a.fail(ctx, w.Label, err)
		}
		return err
	}

	asOf := a.now()
	a.last.Store(&build{replay: replay, asOf: asOf})

	var g errgroup.Group
	for _, w := range a.windows {
		g.Go(func() error {
			_, err := a.publish(ctx, w, replay, asOf)
			return err
		})
	}
	return g.Wait()
}

// Latest returns the newest complete snapshot for window. A configured window
// with nothing stored yet is built on first request. Any other window is
// computed from the latest build without being stored, so it moves with
// every rebuild.
func (a *Aggregator) Latest(ctx context.Context, window string) (*Snapshot, error) {
	w, err := ParseWindow(window)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid window")
	}
	if !a.configured(w.Label) {
		return a.adHoc(ctx, w)
	}

	slot := a.slot(w.Label)
	if snap := slot.Load(); snap != nil {
		return snap, nil
	}

	row, err := a.store.Latest(ctx, w.Label)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load metrics snapshot")
	}
	if row != nil {
		snap, err := snapshotFromRow(*row)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode metrics snapshot")
		}
		a.swap(slot, snap)
		return slot.Load(), nil
	}

	snap, err := a.Snapshot(ctx, w)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build metrics snapshot")
	}
	return snap, nil
}

func (a *Aggregator) adHoc(ctx context.Context, w Window) (*Snapshot, error) {
	b := a.last.Load()
	if b == nil {
		if err := a.Rebuild(ctx); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build metrics snapshot")
		}
		b = a.last.Load()
	}
	start, end := w.Bounds(b.asOf)
	return &Snapshot{
		Window:     w.Label,
		Figures:    b.replay.Figures(start, end),
		ComputedAt: b.asOf.UTC(),
	}, nil
}

func (a *Aggregator) configured(label string) bool {
	_, ok := a.labels[label]
	return ok
}

// Notify schedules a coalesced rebuild. It never blocks and matches the
// subscription change listener signature.
func (a *Aggregator) Notify(_ context.Context, _ subscriptions.Change) {
	a.RequestRebuild()
}

func (a *Aggregator) RequestRebuild() {
	select {
	case a.pending <- struct{}{}:
	default:
	}
}

// Run serves rebuild requests until ctx ends. Requests arriving within the
// debounce delay share one rebuild. A positive refresh also rebuilds on a timer.
func (a *Aggregator) Run(ctx context.Context, refresh time.Duration) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		tickC  <-chan time.Time
	)
	if refresh > 0 {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		tickC = ticker.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.pending:
			if timer == nil {
				timer = time.NewTimer(a.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			a.rebuildLogged(ctx)
		case <-tickC:
			a.rebuildLogged(ctx)
		}
	}
}

func (a *Aggregator) rebuildLogged(ctx context.Context) {
	if err := a.Rebuild(ctx); err != nil && ctx.Err() == nil {
		a.logg.Warn(a.logg.WithField(ctx, "error", err.Error()), "metrics rebuild failed; previous snapshots kept")
	}
}

// load captures the high-water mark first so writes racing the scan are left
// for the next build.
func (a *Aggregator) load(ctx context.Context) (*Replay, error) {
	hwm, err := a.store.HighWaterMark(ctx)
	if err != nil {
		return nil, err
	}
	known, err := a.store.KnownTenants(ctx)
	if err != nil {
		return nil, err
	}
	replay := NewReplay(a.catalog, known)
	err = a.store.ScanEvents(ctx, hwm, a.batchSize, func(rows []LoggedEvent) error {
		replay.Fold(rows...)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	replay.Settle()
	if hwm > replay.hwm {
		replay.hwm = hwm
	}
	if n := replay.Skipped(); n > 0 {
		a.logg.Warn(a.logg.WithField(ctx, "skipped", n), "metrics replay skipped billing events")
	}
	if n := replay.Diverged(); n > 0 {
		a.logg.Warn(a.logg.WithField(ctx, "diverged", n), "metrics replay could not re-apply recorded events")
	}
	return replay, nil
}

func (a *Aggregator) publish(ctx context.Context, w Window, replay *Replay, asOf time.Time) (*Snapshot, error) {
	start, end := w.Bounds(asOf)
	snap := &Snapshot{
		Window:     w.Label,
		Figures:    replay.Figures(start, end),
		ComputedAt: asOf.UTC(),
	}
	row, err := snapshotRow(snap)
	if err != nil {
		a.fail(ctx, w.Label, err)
		return nil, err
	}
	if err := a.store.InsertSnapshot(ctx, &row); err != nil {
		a.fail(ctx, w.Label, err)
		return nil, err
	}
	snap.Version = row.Version

	a.swap(a.slot(w.Label), snap)
	a.metrics.ObserveSnapshot(w.Label, nil, snap.MRR.InexactFloat64())
	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"window":          w.Label,
		"version":         snap.Version,
		"high_water_mark": snap.HighWaterMark,
		"mrr":             snap.MRR.String(),
	}), "metrics snapshot published")
	return snap, nil
}

func (a *Aggregator) fail(ctx context.Context, window string, err error) {
	a.metrics.ObserveSnapshot(window, err, 0)
	a.logg.Error(a.logg.WithField(ctx, "window", window), "metrics snapshot build failed", err)
}

func (a *Aggregator) slot(label string) *atomic.Pointer[Snapshot] {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()
	p, ok := a.slots[label]
	if !ok {
		p = &atomic.Pointer[Snapshot]{}
		a.slots[label] = p
	}
	return p
}

// swap publishes snap unless a newer version is already visible.
func (a *Aggregator) swap(slot *atomic.Pointer[Snapshot], snap *Snapshot) {
	for {
		current := slot.Load()
		if current != nil && current.Version >= snap.Version {
			return
		}
		if slot.CompareAndSwap(current, snap) {
			return
		}
	}
}

func snapshotRow(snap *Snapshot) (models.MetricsSnapshot, error) {
	figures, err := json.Marshal(snap.Figures)
	if err != nil {
		return models.MetricsSnapshot{}, err
	}
	return models.MetricsSnapshot{
		ID:             uuid.New(),
		Window:         snap.Window,
		WindowStart:    snap.WindowStart,
		WindowEnd:      snap.WindowEnd,
		HighWaterMark:  snap.HighWaterMark,
		MRR:            snap.MRR,
		ARR:            snap.ARR,
		ChurnRate:      snap.ChurnRate,
		RetentionRate:  snap.RetentionRate,
		Figures:        figures,
		CatalogVersion: snap.CatalogVersion,
		ComputedAt:     snap.ComputedAt,
	}, nil
}

func snapshotFromRow(row models.MetricsSnapshot) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    row.Version,
		Window:     row.Window,
		ComputedAt: row.ComputedAt.UTC(),
	}
	if err := json.Unmarshal(row.Figures, &snap.Figures); err != nil {
		return nil, err
	}
	return snap, nil
}
