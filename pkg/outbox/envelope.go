package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who caused the event.
type ActorRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

var (
	ActorProvider = &ActorRef{Kind: "provider"}
	ActorSystem   = &ActorRef{Kind: "system"}
)

// TenantActor attributes an event to a tenant-initiated command.
func TenantActor(tenantID string) *ActorRef {
	return &ActorRef{Kind: "tenant", ID: tenantID}
}

// PayloadEnvelope is the stable payload structure stored in outbox_events and
// published verbatim as the message body.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
