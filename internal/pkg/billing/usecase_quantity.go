package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

const metaNewSubscription = "new_subscription"

// QuantityPurchaseResult is returned to the dashboard after starting a
// quantity purchase.
type QuantityPurchaseResult struct {
	SessionID      string         `json:"session_id"`
	CheckoutURL    string         `json:"checkout_url"`
	SubscriptionID string         `json:"subscription_id"`
	Quantity       int            `json:"quantity"`
	Quote          ProrationQuote `json:"quote"`
	LicenseKeys    []string       `json:"license_keys"`
	ItemIDs        []string       `json:"item_ids"`
	QueuedCount    int            `json:"queued_count"`
	Report         *Report        `json:"report"`
}

// PurchaseQuantity starts a quantity purchase of n license slots. Keys are
// generated upfront. Up to the immediate count (all n when n is within the
// batch threshold) are attached to the caller's quantity subscription right
// away; the rest are queued and only become eligible once the checkout is
// paid. The caller pays a one-time prorated amount through a payment-mode
// checkout whose payment intent carries everything the success webhook needs.
func (s *Service) PurchaseQuantity(ctx context.Context, email string, n int, billingPeriod string) (*QuantityPurchaseResult, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > s.cfg.MaxQuantityPerPurchase {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrQuantityOutOfRange, s.cfg.MaxQuantityPerPurchase)
	}

	keys, err := s.keys.GenerateN(ctx, n)
	if err != nil {
		return nil, err
	}
	customerID, err := s.customerFor(ctx, email, true)
	if err != nil {
		return nil, err
	}
	target, err := s.findLiveSubscription(ctx, email, models.PurchaseTypeQuantity)
	if err != nil {
		return nil, err
	}

	period := config.NormalizeBillingPeriod(billingPeriod)
	if target != nil {
		period = target.BillingPeriod
	}
	pricing := s.cfg.PricingFor(period)
	priceData, err := s.slotPriceData(ctx, period)
	if err != nil {
		return nil, err
	}

	immediate := n
	if n > s.cfg.QueueBatchThreshold {
		immediate = s.cfg.QueueImmediateCount
	}

	result := &QuantityPurchaseResult{Quantity: n, LicenseKeys: keys, ItemIDs: []string{}, Report: NewReport()}
	newSubscription := target == nil
	var deferred []string

	if newSubscription {
		// The checkout pays the first period, so recurring billing starts
		// one period later.
		trialEnd := s.now().Add(periodLength(period))
		items := make([]NewItem, 0, immediate)
		for _, key := range keys[:immediate] {
			items = append(items, quantityItem(priceData, key))
		}
		remote, err := s.provider.CreateSubscription(ctx, CreateSubscriptionInput{
			CustomerID: customerID,
			Items:      items,
			Metadata: map[string]string{
				MetaPurchaseType: models.PurchaseTypeQuantity,
				MetaUserEmail:    email,
			},
			TrialEnd:          &trialEnd,
			ProrationBehavior: ProrationNone,
		})
		if err != nil {
			return nil, err
		}
		sub := subscriptionFromRemote(remote, email, models.PurchaseTypeQuantity)
		sub.CustomerID = customerID
		if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("upsert subscription: %w", err)
		}
		result.SubscriptionID = remote.ID
		result.Quote = ProrationQuote{Amount: pricing.UnitAmount * int64(n), Source: ProrationSourceEstimate}
		for _, item := range remote.Items {
			result.ItemIDs = append(result.ItemIDs, item.ID)
		}
		deferred = keys[immediate:]
	} else {
		result.SubscriptionID = target.SubscriptionID
		newItems := []NewItem{{PriceData: priceData, Quantity: int64(n)}}
		result.Quote = s.quoteProration(ctx, customerID, target.SubscriptionID, newItems, pricing.UnitAmount, n)

		for i, key := range keys {
			if i >= immediate {
				deferred = append(deferred, key)
				continue
			}
			if i > 0 {
				if err := s.throttle(ctx); err != nil {
					return nil, err
				}
			}
			item, err := s.provider.CreateSubscriptionItem(ctx, CreateItemInput{
				SubscriptionID:    target.SubscriptionID,
				Item:              quantityItem(priceData, key),
				ProrationBehavior: ProrationCreate,
				IdempotencyKey:    "slot-" + key,
			})
			if err != nil {
				// The slot is retried by the queue once the checkout is paid.
				log.Warnf("[Billing] Immediate slot %s failed, queueing: %v", key, err)
				result.Report.Add("create_slot_item", key, err)
				deferred = append(deferred, key)
				continue
			}
			result.Report.Ok("create_slot_item", key)
			result.ItemIDs = append(result.ItemIDs, item.ID)
		}
	}

	// Each slot carries its share of the checkout total so a refund never
	// returns more than was charged for it.
	shares := splitAmount(result.Quote.Amount, n)
	charged := make(map[string]int64, n)
	for i, key := range keys {
		charged[key] = shares[i]
	}
	queueIDs, err := s.enqueueSlots(ctx, email, customerID, result.SubscriptionID, priceData, pricing.PriceID, deferred, charged)
	if err != nil {
		return nil, err
	}
	result.QueuedCount = len(queueIDs)

	// license_keys pairs index-wise with item_ids; queued keys live on their
	// queue rows.
	immediateKeys := make([]string, 0, len(result.ItemIDs))
	queuedSet := map[string]bool{}
	for _, k := range deferred {
		queuedSet[k] = true
	}
	for _, k := range keys {
		if !queuedSet[k] {
			immediateKeys = append(immediateKeys, k)
		}
	}

	md := map[string]string{
		MetaUsecase:        UsecaseQuantity,
		MetaPurchaseType:   models.PurchaseTypeQuantity,
		MetaUserEmail:      email,
		MetaSubscriptionID: result.SubscriptionID,
		MetaQuantity:       strconv.Itoa(n),
		MetaBillingPeriod:  period,
	}
	if newSubscription {
		md[metaNewSubscription] = "1"
	}
	PutMetaList(md, MetaLicenseKeys, immediateKeys)
	PutMetaList(md, MetaItemIDs, result.ItemIDs)
	PutMetaList(md, MetaQueueIDs, queueIDs)

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutInput{
		Mode:       CheckoutModePayment,
		CustomerID: customerID,
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
		LineItems: []CheckoutLineItem{{
			Name:       fmt.Sprintf("%d license(s), %s", n, period),
			UnitAmount: result.Quote.Amount,
			Currency:   pricing.Currency,
			Quantity:   1,
		}},
		Metadata:              md,
		PaymentIntentMetadata: md,
	})
	if err != nil {
		return nil, err
	}
	result.SessionID = session.ID
	result.CheckoutURL = session.URL

	log.Infof("[Billing] Quantity purchase for %s: %d slots (%d immediate, %d queued), %d %s via %s",
		email, n, len(result.ItemIDs), result.QueuedCount, result.Quote.Amount, pricing.Currency, result.Quote.Source)
	return result, nil
}

// slotPriceData is the inline price of one license slot for period. Without a
// configured product one is created on the fly.
func (s *Service) slotPriceData(ctx context.Context, period string) (*PriceData, error) {
	pricing := s.cfg.PricingFor(period)
	productID := pricing.ProductID
	if productID == "" {
		log.Warnf("[Billing] No product configured for %s licenses; creating one", period)
		var err error
		if productID, err = s.provider.CreateProduct(ctx, "License slot ("+period+")", map[string]string{MetaPurchaseType: models.PurchaseTypeQuantity}); err != nil {
			return nil, err
		}
	}
	return &PriceData{
		ProductID:  productID,
		UnitAmount: pricing.UnitAmount,
		Currency:   pricing.Currency,
		Interval:   pricing.Interval,
	}, nil
}

func quantityItem(priceData *PriceData, key string) NewItem {
	return NewItem{
		PriceData: priceData,
		Quantity:  1,
		Metadata: map[string]string{
			MetaLicenseKey:   key,
			MetaPurchaseType: models.PurchaseTypeQuantity,
		},
	}
}

func (s *Service) enqueueSlots(ctx context.Context, email, customerID, subscriptionID string, priceData *PriceData, priceID string, keys []string, charged map[string]int64) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows := make([]models.SubscriptionQueueItem, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := uuid.NewString()
		ids = append(ids, id)
		rows = append(rows, models.SubscriptionQueueItem{
			QueueID:        id,
			CustomerID:     customerID,
			UserEmail:      email,
			SubscriptionID: subscriptionID,
			PriceID:        priceID,
			ProductID:      priceData.ProductID,
			Interval:       priceData.Interval,
			LicenseKey:     key,
			Quantity:       1,
			UnitAmount:     priceData.UnitAmount,
			ChargedAmount:  charged[key],
			Currency:       priceData.Currency,
			Status:         models.QueueStatusPending,
		})
	}
	if err := s.repo.CreateQueueItems(ctx, rows); err != nil {
		return nil, fmt.Errorf("enqueue slots: %w", err)
	}
	return ids, nil
}

// HandleQuantityPayment persists a paid quantity purchase: licenses for the
// items created before checkout, one payment row, and the payment-intent link
// that makes queued slots eligible for the drain.
func (s *Service) HandleQuantityPayment(ctx context.Context, c *EventContext) (*Report, error) {
	report := NewReport()
	if err := s.resolveEmail(ctx, c); err != nil {
		return report, err
	}
	email := c.CustomerEmail
	subscriptionID := c.Meta(MetaSubscriptionID)
	if subscriptionID == "" {
		return report, fmt.Errorf("%w: payment %s has no subscription_id", ErrInvalidInput, c.PaymentIntentID)
	}

	if _, _, err := s.repo.UpsertUser(ctx, email); err != nil {
		return report, fmt.Errorf("upsert user: %w", err)
	}
	if c.CustomerID != "" {
		if err := s.repo.UpsertCustomer(ctx, c.CustomerID, email); err != nil {
			return report, fmt.Errorf("upsert customer: %w", err)
		}
	}

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		remote, rerr := s.provider.GetSubscription(ctx, subscriptionID)
		if rerr != nil {
			return report, rerr
		}
		sub = subscriptionFromRemote(remote, email, models.PurchaseTypeQuantity)
		if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
			return report, fmt.Errorf("upsert subscription: %w", err)
		}
	} else if err != nil {
		return report, err
	}
	if sub.CustomerID == "" {
		sub.CustomerID = c.CustomerID
	}

	keys := c.MetaList(MetaLicenseKeys)
	itemIDs := c.MetaList(MetaItemIDs)
	if len(keys) < len(itemIDs) {
		return report, fmt.Errorf("%w: payment %s lists %d items but %d keys", ErrInvalidInput, c.PaymentIntentID, len(itemIDs), len(keys))
	}
	for i, itemID := range itemIDs {
		if err := s.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
			ItemID:         itemID,
			SubscriptionID: sub.SubscriptionID,
			PriceID:        s.cfg.PricingFor(sub.BillingPeriod).PriceID,
			Quantity:       1,
			Status:         models.ItemStatusActive,
			PurchaseType:   models.PurchaseTypeQuantity,
		}); err != nil {
			return report, fmt.Errorf("upsert item %s: %w", itemID, err)
		}
		if _, err := s.issueLicense(ctx, &models.License{
			LicenseKey:     keys[i],
			CustomerID:     sub.CustomerID,
			UserEmail:      email,
			SubscriptionID: sub.SubscriptionID,
			ItemID:         itemID,
			PurchaseType:   models.PurchaseTypeQuantity,
		}); err != nil {
			return report, fmt.Errorf("license %s: %w", keys[i], err)
		}
	}
	report.Ok("issue_licenses", strconv.Itoa(len(itemIDs)))

	if err := s.repo.CreatePayment(ctx, &models.Payment{
		CustomerID:      sub.CustomerID,
		SubscriptionID:  sub.SubscriptionID,
		UserEmail:       email,
		Amount:          c.Amount,
		Currency:        firstNonEmpty(c.Currency, s.cfg.PricingFor(sub.BillingPeriod).Currency),
		Status:          models.PaymentStatusSucceeded,
		PaymentIntentID: c.PaymentIntentID,
		StripeEventID:   c.EventID,
	}); err != nil {
		return report, fmt.Errorf("create payment: %w", err)
	}

	if queueIDs := c.MetaList(MetaQueueIDs); len(queueIDs) > 0 {
		if err := s.repo.LinkQueueItemsToPaymentIntent(ctx, queueIDs, c.PaymentIntentID); err != nil {
			return report, fmt.Errorf("link queue items: %w", err)
		}
		log.Infof("[Queue] %d slots of payment %s are ready for the drain", len(queueIDs), c.PaymentIntentID)
	}

	s.syncMember(ctx, email, report)
	return report, nil
}

// ReconcileExpiredQuantityCheckout undoes a quantity purchase whose checkout
// expired unpaid: items created ahead of payment are deleted (or the whole
// subscription cancelled when it was created for this purchase) and queued
// slots are failed. No refund is issued since nothing was charged.
func (s *Service) ReconcileExpiredQuantityCheckout(ctx context.Context, c *EventContext) (*Report, error) {
	report := NewReport()
	subscriptionID := c.Meta(MetaSubscriptionID)

	if c.Meta(metaNewSubscription) == "1" && subscriptionID != "" {
		if err := s.provider.CancelSubscription(ctx, subscriptionID); err != nil {
			report.Add("cancel_subscription", subscriptionID, err)
		} else {
			report.Ok("cancel_subscription", subscriptionID)
			if sub, err := s.repo.GetSubscription(ctx, subscriptionID); err == nil {
				sub.Status = models.SubscriptionStatusCanceled
				now := s.now()
				sub.CanceledAt = &now
				if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
					report.Add("mark_subscription_canceled", subscriptionID, err)
				}
			}
		}
	} else {
		for i, itemID := range c.MetaList(MetaItemIDs) {
			if i > 0 {
				if err := s.throttle(ctx); err != nil {
					return report, err
				}
			}
			report.Add("delete_orphan_item", itemID, s.provider.DeleteSubscriptionItem(ctx, itemID, ProrationNone))
		}
	}

	items, err := s.repo.ListQueueItemsByIDs(ctx, c.MetaList(MetaQueueIDs))
	if err != nil {
		return report, err
	}
	for i := range items {
		item := &items[i]
		if item.Status != models.QueueStatusPending || item.PaymentIntentID != "" {
			continue
		}
		if err := item.MarkAsCanceled("checkout expired unpaid"); err != nil {
			report.Add("cancel_queue_item", item.QueueID, err)
			continue
		}
		report.Add("cancel_queue_item", item.QueueID, s.repo.UpdateQueueItem(ctx, item, models.QueueStatusPending))
	}
	log.Infof("[Billing] Reconciled expired quantity checkout %s (%d queued slots)", c.SessionID, len(items))
	return report, nil
}

func periodLength(period string) time.Duration {
	if period == config.BillingPeriodYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}
