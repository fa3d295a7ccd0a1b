package enums

import "testing"

func TestParsersRejectUnknownValues(t *testing.T) {
	if _, err := ParseSubscriptionStatus("unpaid"); err == nil {
		t.Fatalf("expected provider-only status to be rejected")
	}
	if _, err := ParseBillingEventType("customer.subscription.updated"); err == nil {
		t.Fatalf("expected provider event type to be rejected")
	}
	if _, err := ParsePlanID("platinum"); err == nil {
		t.Fatalf("expected unknown plan to be rejected")
	}
	if _, err := ParseOutboxEventType("order_created"); err == nil {
		t.Fatalf("expected unrelated outbox event type to be rejected")
	}
}

func TestReadOnlyFeaturesAreKnown(t *testing.T) {
	for _, f := range ReadOnlyFeatures {
		if !f.IsValid() {
			t.Fatalf("read-only feature %q is not a known flag", f)
		}
	}
}

func TestSubscriptionStatusIsLive(t *testing.T) {
	cases := map[SubscriptionStatus]bool{
		SubscriptionStatusTrialing: true,
		SubscriptionStatusActive:   true,
		SubscriptionStatusPastDue:  true,
		SubscriptionStatusCanceled: false,
		"bogus":                    false,
	}
	for status, want := range cases {
		if got := status.IsLive(); got != want {
			t.Fatalf("%s: expected live=%v got %v", status, want, got)
		}
	}
}

func TestBillingEventTypeIsInvoice(t *testing.T) {
	if !BillingEventInvoiceFailed.IsInvoice() || BillingEventSubscriptionUpdated.IsInvoice() {
		t.Fatalf("unexpected invoice classification")
	}
}
