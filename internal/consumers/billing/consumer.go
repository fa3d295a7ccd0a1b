package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/outbox"
	"github.com/angelmondragon/shopbilling/pkg/outbox/payloads"
)

const consumerName = "subscription-metrics"

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// rebuilder schedules a metrics recomputation; calls coalesce.
type rebuilder interface {
	RequestRebuild()
}

// Params configures a Consumer. Warehouse and Table are optional; when unset
// changes only trigger a metrics rebuild.
type Params struct {
	Subscription *pubsub.Subscriber
	Idempotency  idempotencyChecker
	Metrics      rebuilder
	Warehouse    tableInserter
	Table        string
	Logger       *logger.Logger
}

// Consumer reacts to published subscription changes from other instances.
type Consumer struct {
	subscription *pubsub.Subscriber
	idempotency  idempotencyChecker
	metrics      rebuilder
	warehouse    tableInserter
	table        string
	logg         *logger.Logger
}

// NewConsumer validates params and builds the consumer.
func NewConsumer(params Params) (*Consumer, error) {
	if params.Idempotency == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if params.Metrics == nil {
		return nil, fmt.Errorf("metrics aggregator required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	table := strings.TrimSpace(params.Table)
	if params.Warehouse != nil && table == "" {
		return nil, fmt.Errorf("bigquery table name required")
	}
	return &Consumer{
		subscription: params.Subscription,
		idempotency:  params.Idempotency,
		metrics:      params.Metrics,
		warehouse:    params.Warehouse,
		table:        table,
		logg:         params.Logger,
	}, nil
}

// Run receives until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("billing subscription required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		eventType := enums.OutboxEventType(msg.Attributes["event_type"])
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"message_id": msg.ID,
			"event_type": eventType,
			"tenant_id":  msg.Attributes["aggregate_id"],
		})

		var envelope outbox.PayloadEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			c.logg.Error(logCtx, "failed to decode envelope", err)
			msg.Ack()
			return
		}
		if err := c.Process(logCtx, eventType, envelope); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Process handles one envelope. Non-subscription events are ignored.
func (c *Consumer) Process(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":   envelope.EventID,
		"event_type": eventType,
	})

	if eventType != enums.EventSubscriptionChanged {
		c.logg.Debug(logCtx, "skipping non-subscription event")
		return nil
	}
	if strings.TrimSpace(envelope.EventID) == "" {
		return fmt.Errorf("event id missing")
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, consumerName, envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return fmt.Errorf("idempotency check: %w", err)
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return nil
	}

	var change payloads.SubscriptionChangedEvent
	if err := json.Unmarshal(envelope.Data, &change); err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		_ = c.idempotency.Delete(ctx, consumerName, envelope.EventID)
		return fmt.Errorf("decode payload: %w", err)
	}
	logCtx = c.logg.WithTenantID(logCtx, change.TenantID)

	if c.warehouse != nil {
		row := buildRow(envelope, change)
		if err := c.warehouse.InsertRows(ctx, c.table, []any{row}); err != nil {
			c.logg.Error(logCtx, "failed to insert subscription change row", err)
			_ = c.idempotency.Delete(ctx, consumerName, envelope.EventID)
			return err
		}
	}

	c.metrics.RequestRebuild()
	c.logg.Info(logCtx, "subscription change consumed")
	return nil
}

type changeRow struct {
	EventID        string             `bigquery:"event_id"`
	TenantID       string             `bigquery:"tenant_id"`
	Version        int64              `bigquery:"version"`
	Status         string             `bigquery:"status"`
	PreviousStatus string             `bigquery:"previous_status"`
	PlanID         string             `bigquery:"plan_id"`
	OccurredAt     time.Time          `bigquery:"occurred_at"`
	Payload        cbigquery.NullJSON `bigquery:"payload"`
}

func buildRow(envelope outbox.PayloadEnvelope, change payloads.SubscriptionChangedEvent) *changeRow {
	occurred := change.OccurredAt
	if occurred.IsZero() {
		occurred = envelope.OccurredAt
	}
	payload := cbigquery.NullJSON{}
	if len(envelope.Data) > 0 {
		payload.Valid = true
		payload.JSONVal = string(envelope.Data)
	}
	return &changeRow{
		EventID:        envelope.EventID,
		TenantID:       change.TenantID,
		Version:        change.Version,
		Status:         string(change.Status),
		PreviousStatus: string(change.PreviousStatus),
		PlanID:         string(change.PlanID),
		OccurredAt:     occurred.UTC(),
		Payload:        payload,
	}
}
