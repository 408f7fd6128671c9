package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandleWebhook verifies, deduplicates and applies one payment-processor
// event. It is the only path that credits tokens or changes subscription
// status.
//
// Signature failures return ErrInvalidSignature and must surface as a
// rejected delivery so the processor retries. Replayed event ids return
// nil without reapplying effects. Per event, either every local change
// commits together with the processed-event record, or nothing does.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s.gateway == nil {
		return ErrGatewayNotConfigured
	}

	event, err := s.gateway.ParseWebhook(payload, signatureHeader)
	if err != nil {
		s.metrics.RecordWebhookEvent("unverified", "auth_failed")
		return err
	}

	start := s.now()
	eventType := string(event.Type)

	err = s.applyEvent(ctx, event)
	s.metrics.RecordWebhookProcessingDuration(eventType, s.now().Sub(start))

	switch {
	case err == nil:
		s.metrics.RecordWebhookEvent(eventType, "success")
		return nil
	case errors.Is(err, ErrDuplicateEvent):
		// Redelivery: already applied, report success so the processor stops retrying.
		s.metrics.RecordWebhookEvent(eventType, "duplicate")
		s.logger.Debug("webhook event already processed",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.RawType})
		return nil
	case errors.Is(err, ErrSubscriptionStateConflict):
		// Update for a subscription id we do not hold. Applying it could
		// corrupt another account's state; record it and move on.
		s.metrics.RecordWebhookEvent(eventType, "conflict")
		s.logger.Warn("webhook subscription id mismatch, event ignored",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.RawType})
		return nil
	default:
		s.metrics.RecordWebhookEvent(eventType, "error")
		s.logger.Error("webhook processing failed",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.RawType},
			Field{Key: "error", Value: err.Error()})
		return err
	}
}

func (s *Service) applyEvent(ctx context.Context, event *WebhookEvent) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, event)
	case EventInvoicePaid:
		return s.applyInvoicePaid(ctx, event)
	case EventInvoicePaymentFailed:
		// The subscription stays usable until the processor reports
		// past_due via a subscription update.
		s.logger.Warn("invoice payment failed",
			Field{Key: "event_id", Value: event.ID})
		return s.store.MarkEventProcessed(ctx, event.ID, event.RawType)
	default:
		// Forward compatibility: record unknown event types so redelivery
		// is cheap, apply nothing.
		s.logger.Debug("ignoring unrecognized webhook event type",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: event.RawType})
		return s.store.MarkEventProcessed(ctx, event.ID, event.RawType)
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event *WebhookEvent) error {
	co := event.Checkout
	if co == nil {
		return fmt.Errorf("checkout event %s has no session data", event.ID)
	}
	if co.UserID == "" {
		return fmt.Errorf("checkout event %s is missing the user reference", event.ID)
	}

	if co.CustomerID != "" {
		if err := s.store.SetCustomerID(ctx, co.UserID, co.CustomerID); err != nil {
			return fmt.Errorf("store customer id: %w", err)
		}
	}

	switch co.Mode {
	case CheckoutModePayment:
		pkg, ok := s.packages.TokenPackage(co.PriceID)
		if !ok {
			// Fail the delivery: marking an unknown price as processed
			// would permanently drop a paid-for credit.
			return fmt.Errorf("%w: token price %s", ErrUnknownPackage, co.PriceID)
		}

		balance, err := s.store.Credit(ctx, &CreditRequest{
			UserID:      co.UserID,
			Amount:      pkg.Tokens,
			Type:        TransactionPurchase,
			Description: fmt.Sprintf("purchase: %s", pkg.Name),
			EventID:     event.ID,
			EventType:   event.RawType,
			EventTime:   event.CreatedAt,
		})
		if err != nil {
			return err
		}

		s.metrics.RecordCredit(string(TransactionPurchase), pkg.Tokens)
		s.logger.Info("token purchase credited",
			Field{Key: "user_id", Value: co.UserID},
			Field{Key: "package", Value: pkg.Name},
			Field{Key: "tokens", Value: pkg.Tokens},
			Field{Key: "balance", Value: balance})
		return nil

	case CheckoutModeSubscription:
		pkg, ok := s.packages.SubscriptionPackage(co.PriceID)
		if !ok {
			return fmt.Errorf("%w: subscription price %s", ErrUnknownPackage, co.PriceID)
		}

		status := SubscriptionActive
		if co.TrialEnd != nil && co.TrialEnd.After(s.now()) {
			status = SubscriptionTrialing
		}

		err := s.store.ApplySubscriptionUpdate(ctx, &SubscriptionUpdate{
			UserID:         co.UserID,
			CustomerID:     co.CustomerID,
			SubscriptionID: co.SubscriptionID,
			Status:         status,
			Level:          pkg.Level,
			PeriodEnd:      co.PeriodEnd,
			Replace:        true, // fresh checkout: a new subscription id supersedes the old one
			EventID:        event.ID,
			EventType:      event.RawType,
			EventTime:      event.CreatedAt,
		})
		if err != nil {
			return err
		}

		s.logger.Info("subscription started",
			Field{Key: "user_id", Value: co.UserID},
			Field{Key: "package", Value: pkg.Name},
			Field{Key: "status", Value: string(status)})
		return nil

	default:
		return fmt.Errorf("checkout event %s has unknown mode %q", event.ID, co.Mode)
	}
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, event *WebhookEvent) error {
	sub := event.Subscription
	if sub == nil {
		return fmt.Errorf("subscription event %s has no subscription data", event.ID)
	}

	userID, err := s.resolveSubscriptionUser(ctx, event, sub)
	if err != nil {
		return err
	}
	if userID == "" {
		return nil // unknown customer, recorded as processed
	}

	status := mapProcessorStatus(sub.Status, sub.TrialEnd, s.now())

	return s.store.ApplySubscriptionUpdate(ctx, &SubscriptionUpdate{
		UserID:         userID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.SubscriptionID,
		Status:         status,
		Level:          s.levelForPrice(sub.PriceID),
		PeriodEnd:      sub.PeriodEnd,
		EventID:        event.ID,
		EventType:      event.RawType,
		EventTime:      event.CreatedAt,
	})
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, event *WebhookEvent) error {
	sub := event.Subscription
	if sub == nil {
		return fmt.Errorf("subscription event %s has no subscription data", event.ID)
	}

	userID, err := s.resolveSubscriptionUser(ctx, event, sub)
	if err != nil {
		return err
	}
	if userID == "" {
		return nil
	}

	// Status flips to Canceled; the retained period end keeps access alive
	// until the already-paid period lapses.
	return s.store.ApplySubscriptionUpdate(ctx, &SubscriptionUpdate{
		UserID:         userID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.SubscriptionID,
		Status:         SubscriptionCanceled,
		Level:          s.levelForPrice(sub.PriceID),
		PeriodEnd:      sub.PeriodEnd,
		EventID:        event.ID,
		EventType:      event.RawType,
		EventTime:      event.CreatedAt,
	})
}

func (s *Service) applyInvoicePaid(ctx context.Context, event *WebhookEvent) error {
	inv := event.Invoice
	if inv == nil || inv.SubscriptionID == "" {
		// Not a subscription invoice (e.g., one-time payment invoice);
		// the checkout event carries the credit.
		return s.store.MarkEventProcessed(ctx, event.ID, event.RawType)
	}

	userID, err := s.store.GetUserIDByCustomer(ctx, inv.CustomerID)
	if err != nil {
		if errors.Is(err, ErrBillingNotFound) {
			s.logger.Warn("invoice for unknown customer",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "customer_id", Value: inv.CustomerID})
			return s.store.MarkEventProcessed(ctx, event.ID, event.RawType)
		}
		return err
	}

	// A paid renewal reactivates a past-due subscription and pushes the
	// paid-through date forward.
	return s.store.ApplySubscriptionUpdate(ctx, &SubscriptionUpdate{
		UserID:         userID,
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		Status:         SubscriptionActive,
		PeriodEnd:      inv.PeriodEnd,
		EventID:        event.ID,
		EventType:      event.RawType,
		EventTime:      event.CreatedAt,
	})
}

// resolveSubscriptionUser maps an event to its owning user, preferring
// the processor metadata and falling back to the stored customer id.
// Returns "" (after recording the event) when the customer is unknown
// locally, so a stray event cannot block the webhook endpoint forever.
func (s *Service) resolveSubscriptionUser(ctx context.Context, event *WebhookEvent, sub *SubscriptionEvent) (string, error) {
	if sub.UserID != "" {
		return sub.UserID, nil
	}
	if sub.CustomerID == "" {
		return "", fmt.Errorf("subscription event %s has neither user nor customer reference", event.ID)
	}

	userID, err := s.store.GetUserIDByCustomer(ctx, sub.CustomerID)
	if err == nil {
		return userID, nil
	}
	if errors.Is(err, ErrBillingNotFound) {
		s.logger.Warn("subscription event for unknown customer",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "customer_id", Value: sub.CustomerID})
		return "", s.store.MarkEventProcessed(ctx, event.ID, event.RawType)
	}
	return "", err
}

// levelForPrice resolves the subscription level for a price id, keeping
// the stored level ("" means leave unchanged downstream) when the price
// is not in the catalog.
func (s *Service) levelForPrice(priceID string) SubscriptionLevel {
	if pkg, ok := s.packages.SubscriptionPackage(priceID); ok {
		return pkg.Level
	}
	return ""
}

// mapProcessorStatus maps the processor's subscription status strings to
// the local enum. Unknown strings fall back to None so a new processor
// state cannot masquerade as paid access.
func mapProcessorStatus(status string, trialEnd *time.Time, now time.Time) SubscriptionStatus {
	switch status {
	case "active":
		return SubscriptionActive
	case "trialing":
		if trialEnd != nil && !trialEnd.After(now) {
			return SubscriptionActive
		}
		return SubscriptionTrialing
	case "past_due":
		return SubscriptionPastDue
	case "canceled", "unpaid":
		return SubscriptionCanceled
	default:
		return SubscriptionNone
	}
}
