package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	"github.com/angelmondragon/shopbilling/pkg/outbox"
	"github.com/angelmondragon/shopbilling/pkg/outbox/payloads"
)

func newRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{BillingTopic: "billing-topic"})
	require.NoError(t, err)
	return reg
}

func envelopeFor(t *testing.T, data any) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(data)
	require.NoError(t, err)
	env, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    "evt-1",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:       body,
	})
	require.NoError(t, err)
	return env
}

func TestNewEventRegistryRequiresTopic(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{})
	require.Error(t, err)
}

func TestResolveSubscriptionChanged(t *testing.T) {
	reg := newRegistry(t)
	row := models.OutboxEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   "tenant-1",
		Payload: envelopeFor(t, payloads.SubscriptionChangedEvent{
			TenantID: "tenant-1",
			Version:  4,
			Status:   enums.SubscriptionStatusActive,
		}),
	}

	resolved, err := reg.Resolve(row)
	require.NoError(t, err)
	require.Equal(t, "billing-topic", resolved.Descriptor.Topic)
	require.Equal(t, "evt-1", resolved.Envelope.EventID)

	payload, ok := resolved.Payload.(*payloads.SubscriptionChangedEvent)
	require.True(t, ok)
	require.Equal(t, int64(4), payload.Version)
	require.Equal(t, enums.SubscriptionStatusActive, payload.Status)
}

func TestResolveRejectsBadRowsAsNonRetryable(t *testing.T) {
	reg := newRegistry(t)
	cases := map[string]models.OutboxEvent{
		"unknown type": {
			EventType:     "order_created",
			AggregateType: enums.AggregateSubscription,
			Payload:       envelopeFor(t, map[string]any{"x": 1}),
		},
		"aggregate mismatch": {
			EventType:     enums.EventSubscriptionChanged,
			AggregateType: "store",
			Payload:       envelopeFor(t, map[string]any{"x": 1}),
		},
		"null payload": {
			EventType:     enums.EventSubscriptionChanged,
			AggregateType: enums.AggregateSubscription,
			Payload:       json.RawMessage(`{"version":1,"eventId":"e","data":null}`),
		},
		"garbage envelope": {
			EventType:     enums.EventSubscriptionChanged,
			AggregateType: enums.AggregateSubscription,
			Payload:       json.RawMessage(`not-json`),
		},
	}

	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(row)
			require.Error(t, err)
			var nonRetry NonRetryableError
			require.True(t, errors.As(err, &nonRetry))
		})
	}
}
