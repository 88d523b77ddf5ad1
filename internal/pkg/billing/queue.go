package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

const (
	DefaultQueueBatch = 10
	MaxQueueBatch     = 100

	errStuckInProcessing = "stuck in processing"
)

// QueueRunResult summarizes one drain pass.
type QueueRunResult struct {
	Processed    int     `json:"processed"`
	SuccessCount int     `json:"success_count"`
	FailCount    int     `json:"fail_count"`
	Refunded     int     `json:"refunded"`
	Report       *Report `json:"report"`
}

// QueueSummary is the per-payment view of queued slots.
type QueueSummary struct {
	PaymentIntentID string                         `json:"payment_intent_id"`
	Total           int                            `json:"total"`
	Pending         int                            `json:"pending"`
	Processing      int                            `json:"processing"`
	Completed       int                            `json:"completed"`
	Failed          int                            `json:"failed"`
	Items           []models.SubscriptionQueueItem `json:"items"`
}

// ProcessQueue drains up to limit due rows. Each row is claimed with a
// conditional update, so concurrent drains never work the same row. A failed
// attempt is rescheduled with exponential backoff; the last allowed failure
// marks the row failed and refunds the slot's share of the checkout.
func (s *Service) ProcessQueue(ctx context.Context, limit int) (*QueueRunResult, error) {
	if limit <= 0 {
		limit = DefaultQueueBatch
	}
	if limit > MaxQueueBatch {
		limit = MaxQueueBatch
	}

	res := &QueueRunResult{Report: NewReport()}
	items, err := s.repo.ListDueQueueItems(ctx, s.now(), limit)
	if err != nil {
		return res, err
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := &items[i]
		claimed, err := s.repo.ClaimQueueItem(ctx, item.QueueID, s.now())
		if err != nil {
			res.Report.Add("claim", item.QueueID, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := item.MarkAsProcessing(s.now()); err != nil {
			res.Report.Add("claim", item.QueueID, err)
			continue
		}
		if res.Processed > 0 {
			if err := s.throttle(ctx); err != nil {
				return res, err
			}
		}
		res.Processed++

		refunded, err := s.processQueueItem(ctx, item)
		if err != nil {
			res.FailCount++
			res.Report.Add("process", item.QueueID, err)
		} else {
			res.SuccessCount++
			res.Report.Ok("process", item.QueueID)
		}
		if refunded {
			res.Refunded++
		}
	}

	if res.Processed > 0 {
		log.Infof("[Queue] Drain finished: processed=%d ok=%d failed=%d refunded=%d", res.Processed, res.SuccessCount, res.FailCount, res.Refunded)
	}
	return res, nil
}

// processQueueItem creates the slot's subscription item and license. The
// returned bool reports whether a refund was attempted.
func (s *Service) processQueueItem(ctx context.Context, item *models.SubscriptionQueueItem) (bool, error) {
	remote, err := s.provider.CreateSubscriptionItem(ctx, CreateItemInput{
		SubscriptionID: item.SubscriptionID,
		Item: quantityItem(&PriceData{
			ProductID:  item.ProductID,
			UnitAmount: item.UnitAmount,
			Currency:   item.Currency,
			Interval:   item.Interval,
		}, item.LicenseKey),
		// The slot was paid through the checkout; no extra proration.
		ProrationBehavior: ProrationNone,
		IdempotencyKey:    "queue-" + item.QueueID,
	})
	if err == nil {
		err = s.completeQueueItem(ctx, item, remote)
	}
	if err == nil {
		return false, nil
	}

	terminal, merr := item.MarkAttemptFailed(err.Error(), s.now(), s.cfg.QueueMaxAttempts, s.cfg.QueueRetryBase)
	if merr != nil {
		return false, errors.Join(err, merr)
	}
	if uerr := s.repo.UpdateQueueItem(ctx, item, models.QueueStatusProcessing); uerr != nil {
		return false, errors.Join(err, uerr)
	}
	if !terminal {
		log.Warnf("[Queue] Slot %s attempt %d failed, retry at %s: %v", item.QueueID, item.Attempts, item.NextRetryAt.Format("15:04:05"), err)
		return false, err
	}

	log.Errorf("[Queue] Slot %s failed after %d attempts, refunding: %v", item.QueueID, item.Attempts, err)
	s.refundQueueItem(ctx, item)
	return true, err
}

func (s *Service) completeQueueItem(ctx context.Context, item *models.SubscriptionQueueItem, remote *RemoteItem) error {
	if err := s.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
		ItemID:         remote.ID,
		SubscriptionID: item.SubscriptionID,
		PriceID:        remote.PriceID,
		Quantity:       1,
		Status:         models.ItemStatusActive,
		PurchaseType:   models.PurchaseTypeQuantity,
	}); err != nil {
		return fmt.Errorf("upsert item %s: %w", remote.ID, err)
	}
	if _, err := s.issueLicense(ctx, &models.License{
		LicenseKey:     item.LicenseKey,
		CustomerID:     item.CustomerID,
		UserEmail:      item.UserEmail,
		SubscriptionID: item.SubscriptionID,
		ItemID:         remote.ID,
		PurchaseType:   models.PurchaseTypeQuantity,
		QueueID:        item.QueueID,
	}); err != nil {
		return fmt.Errorf("license %s: %w", item.LicenseKey, err)
	}
	if err := item.MarkAsCompleted(item.SubscriptionID, remote.ID); err != nil {
		return err
	}
	return s.repo.UpdateQueueItem(ctx, item, models.QueueStatusProcessing)
}

// refundQueueItem returns the amount charged for one slot. A provider failure
// is still recorded, as a failed refund row for manual follow-up.
func (s *Service) refundQueueItem(ctx context.Context, item *models.SubscriptionQueueItem) {
	row := &models.Refund{
		PaymentIntentID: item.PaymentIntentID,
		Amount:          item.ChargedAmount,
		Currency:        item.Currency,
		Reason:          models.RefundReasonQueueExhausted,
		QueueID:         item.QueueID,
		LicenseKey:      item.LicenseKey,
		Attempts:        item.Attempts,
	}
	if item.ChargedAmount <= 0 {
		log.Errorf("[Queue] Slot %s has no recorded charge; refund needs manual review", item.QueueID)
		row.Status = models.RefundStatusFailed
		row.ErrorMsg = "no charged amount recorded for slot"
		if err := s.repo.CreateRefund(ctx, row); err != nil {
			log.Errorf("[Queue] Could not record refund for slot %s: %v", item.QueueID, err)
		}
		return
	}
	refund, err := s.provider.CreateRefund(ctx, RefundInput{
		PaymentIntentID: item.PaymentIntentID,
		Amount:          item.ChargedAmount,
		Reason:          "requested_by_customer",
		Metadata: map[string]string{
			"queue_id":     item.QueueID,
			MetaLicenseKey: item.LicenseKey,
			"reason":       models.RefundReasonQueueExhausted,
		},
		IdempotencyKey: "refund-" + item.QueueID,
	})
	if err != nil {
		log.Errorf("[Queue] Refund for slot %s failed: %v", item.QueueID, err)
		row.Status = models.RefundStatusFailed
		row.ErrorMsg = err.Error()
	} else {
		row.RefundID = &refund.ID
		row.Status = firstNonEmpty(refund.Status, models.RefundStatusPending)
	}
	if err := s.repo.CreateRefund(ctx, row); err != nil {
		log.Errorf("[Queue] Could not record refund for slot %s: %v", item.QueueID, err)
	}
}

// QueueStatus returns the slots bought with one payment intent.
func (s *Service) QueueStatus(ctx context.Context, paymentIntentID string) (*QueueSummary, error) {
	if paymentIntentID == "" {
		return nil, fmt.Errorf("%w: payment_intent_id is required", ErrInvalidInput)
	}
	items, err := s.repo.ListQueueItemsByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	sum := &QueueSummary{PaymentIntentID: paymentIntentID, Total: len(items), Items: items}
	for _, item := range items {
		switch item.Status {
		case models.QueueStatusPending:
			sum.Pending++
		case models.QueueStatusProcessing:
			sum.Processing++
		case models.QueueStatusCompleted:
			sum.Completed++
		case models.QueueStatusFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

// ResetStuckQueueItems sweeps rows stuck in processing for longer than
// olderThan; zero uses the configured window. The lost run counts as a failed
// attempt, so a row that keeps crashing its drain is failed and refunded once
// it reaches the attempt limit instead of cycling forever. The number of swept
// rows is returned.
func (s *Service) ResetStuckQueueItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.QueueStuckAfter
	}
	items, err := s.repo.ListStuckQueueItems(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	var swept, failed int64
	for i := range items {
		item := &items[i]
		terminal, err := item.MarkAttemptFailed(errStuckInProcessing, s.now(), s.cfg.QueueMaxAttempts, s.cfg.QueueRetryBase)
		if err != nil {
			log.Errorf("[Queue] Slot %s cannot leave processing: %v", item.QueueID, err)
			continue
		}
		if err := s.repo.UpdateQueueItem(ctx, item, models.QueueStatusProcessing); err != nil {
			if !errors.Is(err, ErrStaleQueueItem) {
				return swept, err
			}
			// A drain finished the row in the meantime.
			continue
		}
		swept++
		if terminal {
			failed++
			log.Errorf("[Queue] Slot %s stuck after %d attempts, refunding", item.QueueID, item.Attempts)
			s.refundQueueItem(ctx, item)
		}
	}
	if swept > 0 {
		log.Warnf("[Queue] Swept %d stuck slot(s): %d back to pending, %d failed", swept, swept-failed, failed)
	}
	return swept, nil
}
