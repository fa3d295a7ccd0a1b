package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/shopbilling/api/responses"
	"github.com/angelmondragon/shopbilling/api/validators"
	"github.com/angelmondragon/shopbilling/internal/revenue"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type metricsReader interface {
	Latest(ctx context.Context, window string) (*revenue.Snapshot, error)
}

type issueLister interface {
	ListOpenIssues(ctx context.Context, limit int) ([]models.ReconciliationIssue, error)
}

type issueResponse struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  *string         `json:"tenantId,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
	Reason    string          `json:"reason"`
	Detail    string          `json:"detail,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AdminMetrics returns the latest published snapshot for ?window= (default 30d).
func AdminMetrics(reader metricsReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metrics unavailable"))
			return
		}
		snap, err := reader.Latest(ctx, r.URL.Query().Get("window"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, snap)
	}
}

// AdminReconciliationIssues lists unresolved reconciliation issues, newest first.
func AdminReconciliationIssues(repo issueLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		rows, err := repo.ListOpenIssues(ctx, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list reconciliation issues"))
			return
		}
		out := make([]issueResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, issueResponse{
				ID:        row.ID,
				TenantID:  row.TenantID,
				EventID:   row.EventID,
				Reason:    string(row.Reason),
				Detail:    row.Detail,
				Payload:   row.Payload,
				CreatedAt: row.CreatedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
