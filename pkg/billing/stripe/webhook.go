package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/careermate/billing/pkg/billing"
)

// ParseWebhook verifies the Stripe-Signature header (HMAC plus timestamp
// tolerance, via stripe.ConstructEvent) and normalizes the event payload.
// It performs no API calls: everything the reconciler needs is read from
// the signed payload itself.
func (g *Gateway) ParseWebhook(payload []byte, signatureHeader string) (*billing.WebhookEvent, error) {
	event, err := stripe.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	out := &billing.WebhookEvent{
		ID:        event.ID,
		RawType:   string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := g.normalizeCheckout(&event, out); err != nil {
			return nil, err
		}
	case "customer.subscription.created", "customer.subscription.updated":
		out.Type = billing.EventSubscriptionUpdated
		if err := g.normalizeSubscription(&event, out); err != nil {
			return nil, err
		}
	case "customer.subscription.deleted":
		out.Type = billing.EventSubscriptionDeleted
		if err := g.normalizeSubscription(&event, out); err != nil {
			return nil, err
		}
	case "invoice.paid", "invoice.payment_succeeded":
		out.Type = billing.EventInvoicePaid
		if err := g.normalizeInvoice(&event, out); err != nil {
			return nil, err
		}
	case "invoice.payment_failed":
		out.Type = billing.EventInvoicePaymentFailed
		if err := g.normalizeInvoice(&event, out); err != nil {
			return nil, err
		}
	default:
		out.Type = billing.EventUnknown
	}

	return out, nil
}

func (g *Gateway) normalizeCheckout(event *stripe.Event, out *billing.WebhookEvent) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	co := &billing.CheckoutCompleted{
		PriceID: session.Metadata[metadataPriceIDKey],
		UserID:  session.Metadata[metadataUserIDKey],
	}
	if session.Customer != nil {
		co.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		co.SubscriptionID = session.Subscription.ID
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		co.Mode = billing.CheckoutModePayment
	case stripe.CheckoutSessionModeSubscription:
		co.Mode = billing.CheckoutModeSubscription
	default:
		// Setup-mode sessions carry no purchase; record and ignore.
		out.Type = billing.EventUnknown
		return nil
	}

	// When the subscription is embedded (expanded) rather than an id
	// reference, trial and period dates are available right away.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
		if sub, ok := raw["subscription"]; ok {
			var embedded struct {
				ID               string `json:"id"`
				TrialEnd         int64  `json:"trial_end"`
				CurrentPeriodEnd int64  `json:"current_period_end"`
			}
			if err := json.Unmarshal(sub, &embedded); err == nil {
				if embedded.ID != "" {
					co.SubscriptionID = embedded.ID
				}
				co.TrialEnd = unixPtr(embedded.TrialEnd)
				co.PeriodEnd = unixPtr(embedded.CurrentPeriodEnd)
			}
		}
	}

	out.Type = billing.EventCheckoutCompleted
	out.Checkout = co
	return nil
}

func (g *Gateway) normalizeSubscription(event *stripe.Event, out *billing.WebhookEvent) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	se := &billing.SubscriptionEvent{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		UserID:         sub.Metadata[metadataUserIDKey],
	}
	if sub.Customer != nil {
		se.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		se.PriceID = sub.Items.Data[0].Price.ID
	}

	// Period and trial timestamps live at the top level on older API
	// versions and on the items on newer ones; take whichever is present.
	var raw struct {
		TrialEnd         int64 `json:"trial_end"`
		CurrentPeriodEnd int64 `json:"current_period_end"`
		Items            struct {
			Data []struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
		se.TrialEnd = unixPtr(raw.TrialEnd)
		se.PeriodEnd = unixPtr(raw.CurrentPeriodEnd)
		if se.PeriodEnd == nil && len(raw.Items.Data) > 0 {
			se.PeriodEnd = unixPtr(raw.Items.Data[0].CurrentPeriodEnd)
		}
	}

	out.Subscription = se
	return nil
}

func (g *Gateway) normalizeInvoice(event *stripe.Event, out *billing.WebhookEvent) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	ie := &billing.InvoiceEvent{}
	if invoice.Customer != nil {
		ie.CustomerID = invoice.Customer.ID
	}

	// The subscription reference may be an expanded object or a bare id
	// string depending on API version.
	var raw struct {
		Subscription json.RawMessage `json:"subscription"`
		PeriodEnd    int64           `json:"period_end"`
		Lines        struct {
			Data []struct {
				Period struct {
					End int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
		ie.SubscriptionID = rawReferenceID(raw.Subscription)
		if len(raw.Lines.Data) > 0 && raw.Lines.Data[0].Period.End > 0 {
			ie.PeriodEnd = unixPtr(raw.Lines.Data[0].Period.End)
		} else {
			ie.PeriodEnd = unixPtr(raw.PeriodEnd)
		}
	}

	out.Invoice = ie
	return nil
}

// rawReferenceID extracts the id from a Stripe reference that is either a
// bare id string or an expanded object.
func rawReferenceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
