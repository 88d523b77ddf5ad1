package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

const (
	SourceStripe      = "stripe"
	SourceMemberstack = "memberstack"
)

// WebhookResult describes what the router did with one event.
type WebhookResult struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Duplicate bool    `json:"duplicate"`
	Ignored   bool    `json:"ignored"`
	Handler   string  `json:"handler,omitempty"`
	Report    *Report `json:"report,omitempty"`
}

// HandleStripeEvent records the event id and dispatches first-seen events.
// A handler error removes the idempotency key again so the provider's
// redelivery is processed instead of being swallowed as a duplicate.
func (s *Service) HandleStripeEvent(ctx context.Context, evt *InboundEvent) (*WebhookResult, error) {
	res := &WebhookResult{EventID: evt.ID, EventType: evt.Type}
	if strings.TrimSpace(evt.ID) == "" {
		return res, fmt.Errorf("%w: event id is missing", ErrInvalidInput)
	}

	created, err := s.repo.CreateIdempotencyKey(ctx, &models.IdempotencyKey{
		OperationID: evt.ID,
		Source:      SourceStripe,
		EventType:   evt.Type,
		PayloadJSON: string(evt.Payload),
	})
	if err != nil {
		return res, fmt.Errorf("record event: %w", err)
	}
	if !created {
		log.Infof("[Webhook] Duplicate event %s (%s) ignored", evt.ID, evt.Type)
		res.Duplicate = true
		return res, nil
	}

	report, handler, err := s.dispatch(ctx, evt)
	res.Handler = handler
	res.Ignored = handler == ""
	res.Report = report
	if err != nil {
		log.Errorf("[Webhook] Event %s (%s) failed in %s: %v", evt.ID, evt.Type, handler, err)
		if derr := s.repo.DeleteIdempotencyKey(ctx, evt.ID); derr != nil {
			log.Errorf("[Webhook] Could not release idempotency key %s: %v", evt.ID, derr)
		}
		return res, err
	}

	processingError := ""
	if report != nil && report.HasFailures() {
		var parts []string
		for _, f := range report.Failed() {
			parts = append(parts, f.Operation+": "+f.Error)
		}
		processingError = strings.Join(parts, "; ")
		log.Warnf("[Webhook] Event %s (%s) completed with failures: %s", evt.ID, evt.Type, processingError)
	}
	if err := s.repo.MarkIdempotencyKeyProcessed(ctx, evt.ID, processingError); err != nil {
		log.Errorf("[Webhook] Could not mark event %s processed: %v", evt.ID, err)
	}
	return res, nil
}

// dispatch routes an event to its use-case. An empty handler name means the
// event was recorded and ignored.
func (s *Service) dispatch(ctx context.Context, evt *InboundEvent) (*Report, string, error) {
	c, err := NewEventContext(evt)
	if err != nil {
		return nil, "decode", err
	}

	switch evt.Type {
	case EventCheckoutCompleted:
		if c.Mode == CheckoutModePayment && c.Usecase == "" && c.PaymentIntentID != "" {
			// The session payload only carries the payment intent id; its
			// metadata is the second source in the priority list.
			pi, err := s.provider.GetPaymentIntent(ctx, c.PaymentIntentID)
			if err != nil {
				return nil, "checkout_completed", err
			}
			c.SetSource(SourcePaymentIntent, pi.Metadata)
		}
		switch {
		case c.Mode == CheckoutModePayment && c.IsQuantityPurchase():
			// Quantity purchases are persisted on payment_intent.succeeded.
			return NewReport(), "quantity_checkout_noop", nil
		case c.Mode == CheckoutModeSubscription && !c.IsQuantityPurchase():
			report, err := s.HandleNewSubscription(ctx, c)
			return report, "new_subscription", err
		}

	case EventCheckoutExpired:
		if c.IsQuantityPurchase() {
			report, err := s.ReconcileExpiredQuantityCheckout(ctx, c)
			return report, "quantity_checkout_expired", err
		}

	case EventPaymentIntentSuccess:
		if c.IsQuantityPurchase() {
			report, err := s.HandleQuantityPayment(ctx, c)
			return report, "quantity_payment", err
		}

	case EventInvoicePaymentSuccess, EventInvoicePaid:
		report, err := s.HandleInvoicePaid(ctx, c)
		return report, "invoice_paid", err

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		report, err := s.HandleSubscriptionChange(ctx, c)
		return report, "subscription_sync", err
	}

	log.Debugf("[Webhook] Event %s (%s) ignored", evt.ID, evt.Type)
	return nil, "", nil
}

// RecordMemberstackEvent stores an identity-provider event once. It returns
// false for a repeated event id.
func (s *Service) RecordMemberstackEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("%w: event id is missing", ErrInvalidInput)
	}
	created, err := s.repo.CreateIdempotencyKey(ctx, &models.IdempotencyKey{
		OperationID: SourceMemberstack + ":" + eventID,
		Source:      SourceMemberstack,
		EventType:   eventType,
		PayloadJSON: string(payload),
	})
	if err != nil {
		return false, err
	}
	if created {
		log.Infof("[Memberstack] Event %s (%s) received", eventID, eventType)
		if err := s.repo.MarkIdempotencyKeyProcessed(ctx, SourceMemberstack+":"+eventID, ""); err != nil {
			log.Warnf("[Memberstack] Could not mark event %s processed: %v", eventID, err)
		}
	}
	return created, nil
}
