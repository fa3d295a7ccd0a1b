package enums

// BillingCommandType names an outbound provider command.
type BillingCommandType string

const (
	BillingCommandCheckout BillingCommandType = "checkout_session"
	BillingCommandPortal   BillingCommandType = "portal_session"
	BillingCommandCancel   BillingCommandType = "cancel_subscription"
)

func (c BillingCommandType) String() string {
	return string(c)
}

func (c BillingCommandType) IsValid() bool {
	switch c {
	case BillingCommandCheckout, BillingCommandPortal, BillingCommandCancel:
		return true
	default:
		return false
	}
}

// BillingCommandStatus tracks a command row through its provider round trip.
type BillingCommandStatus string

const (
	BillingCommandPending   BillingCommandStatus = "pending"
	BillingCommandSucceeded BillingCommandStatus = "succeeded"
	BillingCommandFailed    BillingCommandStatus = "failed"
)
