// Package subscriptionstest builds billing events for tests.
package subscriptionstest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/angelmondragon/shopbilling/internal/subscriptions"
	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Event returns an unsaved billing event row.
func Event(t testing.TB, id, tenantID string, typ enums.BillingEventType, at time.Time, payload subscriptions.Payload) models.BillingEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.BillingEvent{
		EventID:      id,
		TenantID:     tenantID,
		Type:         typ,
		ProviderType: string(typ),
		OccurredAt:   at.UTC(),
		Payload:      raw,
		IngestedAt:   at.UTC(),
	}
}

// Append stores row in billing_events and returns it with its seq.
func Append(t testing.TB, client *db.Client, row models.BillingEvent) models.BillingEvent {
	t.Helper()
	if err := client.DB().Create(&row).Error; err != nil {
		t.Fatalf("append billing event %s: %v", row.EventID, err)
	}
	return row
}

// Bool is a convenience for optional payload flags.
func Bool(v bool) *bool { return &v }

// Time is a convenience for optional payload timestamps.
func Time(v time.Time) *time.Time {
	u := v.UTC()
	return &u
}
