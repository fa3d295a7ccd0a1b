package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type fakeUnreconciled struct {
	rows       []models.BillingEvent
	lastCutoff time.Time
	lastLimit  int
}

func (f *fakeUnreconciled) ListUnreconciled(_ context.Context, cutoff time.Time, limit int) ([]models.BillingEvent, error) {
	f.lastCutoff = cutoff
	f.lastLimit = limit
	return f.rows, nil
}

type fakeApplier struct {
	applied []string
	failOn  string
}

func (f *fakeApplier) Apply(_ context.Context, tenantID string, row models.BillingEvent) (*models.Subscription, subscriptions.Result, error) {
	if row.EventID == f.failOn {
		return nil, subscriptions.Result{}, errors.New("lock timeout")
	}
	f.applied = append(f.applied, tenantID+"/"+row.EventID)
	return &models.Subscription{}, subscriptions.Result{EventID: row.EventID, Outcome: enums.ApplyOutcomeApplied}, nil
}

func TestBillingEventReplayJobAppliesPendingRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeUnreconciled{rows: []models.BillingEvent{
		{EventID: "evt_1", TenantID: "tenant-1"},
		{EventID: "evt_2", TenantID: "tenant-2"},
	}}
	applier := &fakeApplier{}
	jobIface, err := NewBillingEventReplayJob(BillingEventReplayJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		Events:     lister,
		Reconciler: applier,
		Delay:      5 * time.Minute,
		BatchSize:  25,
	})
	if err != nil {
		t.Fatalf("NewBillingEventReplayJob: %v", err)
	}
	job := jobIface.(*billingEventReplayJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !lister.lastCutoff.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("unexpected cutoff %s", lister.lastCutoff)
	}
	if lister.lastLimit != 25 {
		t.Fatalf("expected batch 25, got %d", lister.lastLimit)
	}
	if len(applier.applied) != 2 || applier.applied[0] != "tenant-1/evt_1" {
		t.Fatalf("unexpected applied rows %v", applier.applied)
	}
}

func TestBillingEventReplayJobContinuesPastFailures(t *testing.T) {
	lister := &fakeUnreconciled{rows: []models.BillingEvent{
		{EventID: "evt_1", TenantID: "tenant-1"},
		{EventID: "evt_2", TenantID: "tenant-1"},
	}}
	applier := &fakeApplier{failOn: "evt_1"}
	job, err := NewBillingEventReplayJob(BillingEventReplayJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		Events:     lister,
		Reconciler: applier,
	})
	if err != nil {
		t.Fatalf("NewBillingEventReplayJob: %v", err)
	}
	err = job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error reporting the failed row")
	}
	if !strings.Contains(err.Error(), "event evt_1: lock timeout") {
		t.Fatalf("expected failed event in error, got %v", err)
	}
	if len(applier.applied) != 1 || applier.applied[0] != "tenant-1/evt_2" {
		t.Fatalf("expected later row still applied, got %v", applier.applied)
	}
}

type fakeRebuilder struct {
	calls int
	err   error
}

func (f *fakeRebuilder) Rebuild(context.Context) error {
	f.calls++
	return f.err
}

func TestMetricsSnapshotJobRebuilds(t *testing.T) {
	rebuilder := &fakeRebuilder{}
	job, err := NewMetricsSnapshotJob(logger.New(logger.Options{ServiceName: "test"}), rebuilder)
	if err != nil {
		t.Fatalf("NewMetricsSnapshotJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rebuilder.err = errors.New("scan failed")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected rebuild error to propagate")
	}
	if rebuilder.calls != 2 {
		t.Fatalf("expected 2 rebuilds, got %d", rebuilder.calls)
	}
}

type fakeExporter struct {
	exported int
	err      error
}

func (f *fakeExporter) ExportPending(context.Context) (int, error) { return f.exported, f.err }

func TestMetricsExportJob(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test"})
	job, err := NewMetricsExportJob(logg, &fakeExporter{exported: 3})
	if err != nil {
		t.Fatalf("NewMetricsExportJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	failing, _ := NewMetricsExportJob(logg, &fakeExporter{exported: 1, err: errors.New("warehouse down")})
	if err := failing.Run(context.Background()); err == nil {
		t.Fatal("expected export error")
	}
	if _, err := NewMetricsExportJob(logg, nil); err == nil {
		t.Fatal("expected error for nil exporter")
	}
}
