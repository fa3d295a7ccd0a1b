package revenue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/shopbilling/pkg/backoff"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

const (
	defaultExportBatch    = 100
	defaultExportAttempts = 3
)

type exportStore interface {
	ListUnexported(ctx context.Context, limit int) ([]models.MetricsSnapshot, error)
	MarkExported(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// warehouseRow is the BigQuery shape of a snapshot. Money and rates go out as
// NUMERIC.
type warehouseRow struct {
	SnapshotID     string    `bigquery:"snapshot_id"`
	Window         string    `bigquery:"window_label"`
	Version        int64     `bigquery:"version"`
	WindowStart    time.Time `bigquery:"window_start"`
	WindowEnd      time.Time `bigquery:"window_end"`
	HighWaterMark  int64     `bigquery:"high_water_mark"`
	MRR            *big.Rat  `bigquery:"mrr"`
	ARR            *big.Rat  `bigquery:"arr"`
	ChurnRate      *big.Rat  `bigquery:"churn_rate"`
	RetentionRate  *big.Rat  `bigquery:"retention_rate"`
	Figures        string    `bigquery:"figures"`
	CatalogVersion string    `bigquery:"catalog_version"`
	ComputedAt     time.Time `bigquery:"computed_at"`
}

// Exporter ships stored snapshots to the warehouse table.
type Exporter struct {
	store    exportStore
	client   tableInserter
	table    string
	batch    int
	attempts int
	policy   backoff.Policy
	now      func() time.Time
}

func NewExporter(store exportStore, client tableInserter, table string) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("snapshot store required")
	}
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("metrics table is required")
	}
	return &Exporter{
		store:    store,
		client:   client,
		table:    table,
		batch:    defaultExportBatch,
		attempts: defaultExportAttempts,
		policy:   backoff.Policy{Base: 250 * time.Millisecond, Max: 2 * time.Second},
		now:      time.Now,
	}, nil
}

// ExportPending sends unexported snapshots in batches and marks them. It
// returns how many rows were shipped.
func (e *Exporter) ExportPending(ctx context.Context) (int, error) {
	total := 0
	for {
		rows, err := e.store.ListUnexported(ctx, e.batch)
		if err != nil {
			return total, fmt.Errorf("list unexported snapshots: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		payload := make([]any, 0, len(rows))
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			payload = append(payload, &cbigquery.StructSaver{
				Struct:   toWarehouseRow(row),
				InsertID: row.ID.String(),
			})
			ids = append(ids, row.ID)
		}
		if err := e.insertWithRetry(ctx, payload); err != nil {
			return total, err
		}
		if err := e.store.MarkExported(ctx, ids, e.now()); err != nil {
			return total, fmt.Errorf("mark snapshots exported: %w", err)
		}
		total += len(rows)
		if len(rows) < e.batch {
			return total, nil
		}
	}
}

func (e *Exporter) insertWithRetry(ctx context.Context, rows []any) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.client.InsertRows(ctx, e.table, rows)
		if err == nil {
			return nil
		}
		if attempt >= e.attempts || !isRetryableWarehouseError(err) {
			return fmt.Errorf("insert %s rows: %w", e.table, err)
		}
		if !backoff.Sleep(ctx.Done(), e.policy.Delay(attempt)) {
			return ctx.Err()
		}
	}
}

func toWarehouseRow(row models.MetricsSnapshot) *warehouseRow {
	return &warehouseRow{
		SnapshotID:     row.ID.String(),
		Window:         row.Window,
		Version:        row.Version,
		WindowStart:    row.WindowStart.UTC(),
		WindowEnd:      row.WindowEnd.UTC(),
		HighWaterMark:  row.HighWaterMark,
		MRR:            row.MRR.Rat(),
		ARR:            row.ARR.Rat(),
		ChurnRate:      row.ChurnRate.Rat(),
		RetentionRate:  row.RetentionRate.Rat(),
		Figures:        string(row.Figures),
		CatalogVersion: row.CatalogVersion,
		ComputedAt:     row.ComputedAt.UTC(),
	}
}

func isRetryableWarehouseError(err error) bool {
	if err == nil {
		return false
	}

	var pme cbigquery.PutMultiError
	if errors.As(err, &pme) {
		if len(pme) == 0 {
			return false
		}
		for _, rowErr := range pme {
			if !isRetryableWarehouseError(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		if len(multi) == 0 {
			return false
		}
		for _, inner := range multi {
			if !isRetryableWarehouseError(inner) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var statusErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &statusErr) {
		if st := statusErr.GRPCStatus(); st != nil {
			switch st.Code() {
			case codes.Aborted, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted, codes.Unavailable:
				return true
			}
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
