package revenue

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/shopbilling/pkg/backoff"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

type recordingInserter struct {
	failures []error
	calls    int
	rows     [][]any
}

func (r *recordingInserter) InsertRows(_ context.Context, _ string, rows []any) error {
	r.calls++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return err
	}
	r.rows = append(r.rows, rows)
	return nil
}

func TestExportPendingShipsAndMarksSnapshots(t *testing.T) {
	_, store := seededStore(t)
	agg := newTestAggregator(t, store, "30d", "90d")
	require.NoError(t, agg.Rebuild(context.Background()))

	inserter := &recordingInserter{failures: []error{&googleapi.Error{Code: http.StatusServiceUnavailable}}}
	exp, err := NewExporter(store, inserter, "metrics_snapshots")
	require.NoError(t, err)
	exp.policy = backoff.Policy{Base: time.Millisecond, Max: time.Millisecond}

	n, err := exp.ExportPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, inserter.calls)
	require.Len(t, inserter.rows, 1)

	saver, ok := inserter.rows[0][0].(*cbigquery.StructSaver)
	require.True(t, ok)
	row := saver.Struct.(*warehouseRow)
	require.Equal(t, saver.InsertID, row.SnapshotID)

	pending, err := store.ListUnexported(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	n, err = exp.ExportPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExportStopsOnPermanentError(t *testing.T) {
	_, store := seededStore(t)
	agg := newTestAggregator(t, store, "30d")
	require.NoError(t, agg.Rebuild(context.Background()))

	inserter := &recordingInserter{failures: []error{&googleapi.Error{Code: http.StatusBadRequest}}}
	exp, err := NewExporter(store, inserter, "metrics_snapshots")
	require.NoError(t, err)

	_, err = exp.ExportPending(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, inserter.calls)

	pending, err := store.ListUnexported(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestWarehouseRowCarriesNumericFigures(t *testing.T) {
	row := toWarehouseRow(mustRow(t))
	require.Equal(t, "108", row.MRR.RatString())
	require.Equal(t, "3333/10000", row.ChurnRate.RatString())
}

func mustRow(t *testing.T) models.MetricsSnapshot {
	t.Helper()
	snap := &Snapshot{Window: "30d", Figures: Figures{
		MRR:           decimal.NewFromInt(108),
		ARR:           decimal.NewFromInt(1296),
		ChurnRate:     decimal.RequireFromString("0.3333"),
		RetentionRate: decimal.RequireFromString("0.6667"),
	}}
	row, err := snapshotRow(snap)
	require.NoError(t, err)
	return row
}

func TestIsRetryableWarehouseError(t *testing.T) {
	require.True(t, isRetryableWarehouseError(&googleapi.Error{Code: http.StatusTooManyRequests}))
	require.False(t, isRetryableWarehouseError(&googleapi.Error{Code: http.StatusForbidden}))
	require.True(t, isRetryableWarehouseError(status.Error(codes.Unavailable, "down")))
	require.False(t, isRetryableWarehouseError(status.Error(codes.InvalidArgument, "bad")))
	require.True(t, isRetryableWarehouseError(cbigquery.PutMultiError{
		{Errors: cbigquery.MultiError{&googleapi.Error{Code: http.StatusInternalServerError}}},
	}))
	require.False(t, isRetryableWarehouseError(cbigquery.PutMultiError{
		{Errors: cbigquery.MultiError{errors.New("schema mismatch")}},
	}))
	require.False(t, isRetryableWarehouseError(nil))
}
