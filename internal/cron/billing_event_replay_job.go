package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

const (
	defaultReplayDelay = 2 * time.Minute
	defaultReplayBatch = 100
)

type unreconciledLister interface {
	ListUnreconciled(ctx context.Context, cutoff time.Time, limit int) ([]models.BillingEvent, error)
}

type eventApplier interface {
	Apply(ctx context.Context, tenantID string, row models.BillingEvent) (*models.Subscription, subscriptions.Result, error)
}

type BillingEventReplayJobParams struct {
	Logger     *logger.Logger
	Events     unreconciledLister
	Reconciler eventApplier
	Delay      time.Duration
	BatchSize  int
}

// NewBillingEventReplayJob re-applies logged events that never got a
// decision, typically because the process died between append and apply.
func NewBillingEventReplayJob(params BillingEventReplayJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("event lister required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	delay := params.Delay
	if delay <= 0 {
		delay = defaultReplayDelay
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReplayBatch
	}
	return &billingEventReplayJob{
		logg:   params.Logger,
		events: params.Events,
		rec:    params.Reconciler,
		delay:  delay,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type billingEventReplayJob struct {
	logg   *logger.Logger
	events unreconciledLister
	rec    eventApplier
	delay  time.Duration
	batch  int
	now    func() time.Time
}

func (j *billingEventReplayJob) Name() string { return "billing-event-replay" }

func (j *billingEventReplayJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.delay)
	rows, err := j.events.ListUnreconciled(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list unreconciled events: %w", err)
	}

	var errs error
	failed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rowCtx := j.logg.WithFields(ctx, map[string]any{"event_id": row.EventID, "tenant_id": row.TenantID})
		_, res, err := j.rec.Apply(ctx, row.TenantID, row)
		if err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("event %s: %w", row.EventID, err))
			j.logg.Error(rowCtx, "replay apply failed", err)
			continue
		}
		j.logg.Debug(j.logg.WithField(rowCtx, "outcome", string(res.Outcome)), "replayed billing event")
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"replayed": len(rows) - failed,
		"failed":   failed,
	})
	if len(rows) > 0 {
		j.logg.Info(logCtx, "billing event replay complete")
	}
	if errs != nil {
		return fmt.Errorf("%d of %d events failed to replay: %w", failed, len(rows), errs)
	}
	return nil
}
