package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

// Change is published after a new subscription version commits.
type Change struct {
	TenantID          string
	Version           int64
	Status            enums.SubscriptionStatus
	PreviousStatus    enums.SubscriptionStatus
	PlanID            enums.PlanID
	CancelAtPeriodEnd bool
	OccurredAt        time.Time
}

// ChangeListener must return quickly; it runs on the writer's goroutine.
type ChangeListener func(ctx context.Context, change Change)

// Notifier fans committed changes out to in-process listeners.
type Notifier struct {
	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Subscribe(listener ChangeListener) {
	if n == nil || listener == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
}

func (n *Notifier) Publish(ctx context.Context, change Change) {
	if n == nil {
		return
	}
	n.mu.RLock()
	listeners := append([]ChangeListener(nil), n.listeners...)
	n.mu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, change)
	}
}
