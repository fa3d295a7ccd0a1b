package subscriptions

import "github.com/angelmondragon/shopbilling/pkg/enums"

var allowedTransitions = map[enums.SubscriptionStatus][]enums.SubscriptionStatus{
	enums.SubscriptionStatusTrialing: {enums.SubscriptionStatusActive, enums.SubscriptionStatusCanceled},
	enums.SubscriptionStatusActive:   {enums.SubscriptionStatusPastDue, enums.SubscriptionStatusCanceled},
	enums.SubscriptionStatusPastDue:  {enums.SubscriptionStatusActive, enums.SubscriptionStatusCanceled},
}

// CanTransition reports whether from -> to is a lifecycle edge. Staying in the
// same status is not an edge.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
