package enums

// ApplyOutcome reports what the reconciler did with a billing event.
type ApplyOutcome string

const (
	ApplyOutcomeApplied  ApplyOutcome = "applied"
	ApplyOutcomeIgnored  ApplyOutcome = "ignored"
	ApplyOutcomeRejected ApplyOutcome = "rejected"
)

func (o ApplyOutcome) String() string {
	return string(o)
}

func (o ApplyOutcome) IsValid() bool {
	switch o {
	case ApplyOutcomeApplied, ApplyOutcomeIgnored, ApplyOutcomeRejected:
		return true
	default:
		return false
	}
}

// IssueReason classifies entries in the manual reconciliation queue.
type IssueReason string

const (
	IssueUnresolvableTenant     IssueReason = "unresolvable_tenant"
	IssueUnknownTenant          IssueReason = "unknown_tenant"
	IssueInvalidTransition      IssueReason = "invalid_transition"
	IssueSubscriptionMismatch   IssueReason = "subscription_mismatch"
	IssueCancellationDivergence IssueReason = "cancellation_divergence"
)

var validIssueReasons = []IssueReason{
	IssueUnresolvableTenant,
	IssueUnknownTenant,
	IssueInvalidTransition,
	IssueSubscriptionMismatch,
	IssueCancellationDivergence,
}

func (r IssueReason) IsValid() bool {
	for _, candidate := range validIssueReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
