package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
)

const (
	ProrationSourcePreview  = "preview"
	ProrationSourceAllItems = "preview_all_items"
	ProrationSourceEstimate = "estimate"
)

// ProrationQuote is the one-time amount charged for adding slots mid-cycle.
type ProrationQuote struct {
	Amount int64  `json:"amount"`
	Source string `json:"source"`
}

// quoteProration degrades through three tiers: a preview with only the new
// items, a preview listing every current item explicitly (accepted for
// flexible billing mode), and finally unit amount times quantity. The last
// tier ignores the elapsed part of the period and can overcharge.
func (s *Service) quoteProration(ctx context.Context, customerID, subscriptionID string, newItems []NewItem, unitAmount int64, quantity int) ProrationQuote {
	estimate := ProrationQuote{Amount: unitAmount * int64(quantity), Source: ProrationSourceEstimate}

	preview, err := s.provider.PreviewInvoice(ctx, PreviewInput{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		NewItems:       newItems,
	})
	if err == nil {
		if q, ok := quoteFromPreview(preview, ProrationSourcePreview); ok {
			return q
		}
		log.Warnf("[Billing] Proration preview for %s returned no chargeable amount; using estimate", subscriptionID)
		return estimate
	}
	if errors.Is(err, ErrFlexibleBillingMode) {
		log.Infof("[Billing] Subscription %s uses flexible billing mode; previewing with all items", subscriptionID)
	} else {
		log.Warnf("[Billing] Proration preview for %s failed: %v", subscriptionID, err)
	}

	remote, err := s.provider.GetSubscription(ctx, subscriptionID)
	if err == nil {
		preview, err = s.provider.PreviewInvoice(ctx, PreviewInput{
			CustomerID:     customerID,
			SubscriptionID: subscriptionID,
			NewItems:       newItems,
			ExistingItems:  remote.Items,
		})
	}
	if err == nil {
		if q, ok := quoteFromPreview(preview, ProrationSourceAllItems); ok {
			return q
		}
	} else {
		log.Warnf("[Billing] All-items preview for %s failed: %v", subscriptionID, err)
	}

	log.Warnf("[Billing] Using unit x quantity estimate for %s (%d); the customer may be overcharged", subscriptionID, estimate.Amount)
	return estimate
}

// quoteFromPreview prefers the sum of proration lines and falls back to the
// invoice total.
func quoteFromPreview(p *InvoicePreview, source string) (ProrationQuote, bool) {
	if p == nil {
		return ProrationQuote{}, false
	}
	amount := p.AmountDue
	if p.HasProrationLines {
		amount = p.ProrationAmount
	}
	if amount <= 0 {
		return ProrationQuote{}, false
	}
	return ProrationQuote{Amount: amount, Source: source}, true
}
