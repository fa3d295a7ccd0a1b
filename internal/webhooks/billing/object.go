package billingwebhook

import (
	"encoding/json"
	"strings"
)

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type priceRef struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionDetails struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// providerObject covers the subscription and invoice fields the engine reads.
// Expandable references (customer, subscription) may be ids or objects.
type providerObject struct {
	Object             string            `json:"object"`
	ID                 string            `json:"id"`
	Customer           json.RawMessage   `json:"customer"`
	Subscription       json.RawMessage   `json:"subscription"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  *bool             `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	PeriodStart        int64             `json:"period_start"`
	PeriodEnd          int64             `json:"period_end"`
	TrialEnd           int64             `json:"trial_end"`
	AmountPaid         int64             `json:"amount_paid"`
	Currency           string            `json:"currency"`
	Metadata           map[string]string `json:"metadata"`

	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`

	Plan  *priceRef `json:"plan"`
	Items struct {
		Data []struct {
			CurrentPeriodStart int64     `json:"current_period_start"`
			CurrentPeriodEnd   int64     `json:"current_period_end"`
			Price              *priceRef `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price   *priceRef `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"lines"`
}

func (o providerObject) metadataChain() []map[string]string {
	chain := []map[string]string{o.Metadata}
	if o.SubscriptionDetails != nil {
		chain = append(chain, o.SubscriptionDetails.Metadata)
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		chain = append(chain, o.Parent.SubscriptionDetails.Metadata)
	}
	for _, line := range o.Lines.Data {
		chain = append(chain, line.Metadata)
	}
	return chain
}

func (o providerObject) tenantHint() string {
	for _, md := range o.metadataChain() {
		if tenant := strings.TrimSpace(md[metadataTenant]); tenant != "" {
			return tenant
		}
	}
	return ""
}

func (o providerObject) priceIDs() []string {
	var ids []string
	for _, item := range o.Items.Data {
		if item.Price != nil && item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	for _, line := range o.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			ids = append(ids, line.Price.ID)
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			ids = append(ids, line.Pricing.PriceDetails.Price)
		}
	}
	if o.Plan != nil && o.Plan.ID != "" {
		ids = append(ids, o.Plan.ID)
	}
	return ids
}

func (o providerObject) invoiceSubscriptionID() string {
	if id := idFrom(o.Subscription); id != "" {
		return id
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return idFrom(o.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (o providerObject) invoicePeriod() (int64, int64) {
	for _, line := range o.Lines.Data {
		if line.Period.Start > 0 && line.Period.End > 0 {
			return line.Period.Start, line.Period.End
		}
	}
	return o.PeriodStart, o.PeriodEnd
}

// idFrom reads an expandable reference: either "id" or {"id": "..."}.
func idFrom(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
