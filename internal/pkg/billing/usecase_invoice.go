package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

const (
	billingReasonSubscriptionCreate = "subscription_create"
	invoiceClaimPrefix              = "invoice:"
)

// HandleInvoicePaid records a renewal or mid-cycle invoice. Sites are derived
// from the local items of the subscription, each site gets its share of the
// amount as a payment row, missing licenses are issued and the period dates
// are moved forward. The first invoice of a subscription is skipped because
// the checkout handler already recorded it.
func (s *Service) HandleInvoicePaid(ctx context.Context, c *EventContext) (*Report, error) {
	report := NewReport()
	if c.SubscriptionID == "" {
		log.Debugf("[Billing] Invoice %s has no subscription, ignoring", c.InvoiceID)
		return report, nil
	}
	if c.BillingReason == billingReasonSubscriptionCreate {
		log.Debugf("[Billing] Invoice %s is the first invoice of %s, recorded by checkout", c.InvoiceID, c.SubscriptionID)
		return report, nil
	}

	// invoice.paid and invoice.payment_succeeded describe the same invoice
	// under different event ids; only the first delivery records it.
	if c.InvoiceID != "" {
		claim := invoiceClaimPrefix + c.InvoiceID
		created, err := s.repo.CreateIdempotencyKey(ctx, &models.IdempotencyKey{
			OperationID: claim,
			Source:      SourceStripe,
			EventType:   c.EventType,
		})
		if err != nil {
			return report, fmt.Errorf("claim invoice: %w", err)
		}
		if !created {
			log.Infof("[Billing] Invoice %s already recorded, %s ignored", c.InvoiceID, c.EventID)
			report.Ok("invoice_already_recorded", c.InvoiceID)
			return report, nil
		}
		report, err = s.recordInvoice(ctx, c, report)
		if err != nil {
			if derr := s.repo.DeleteIdempotencyKey(ctx, claim); derr != nil {
				log.Errorf("[Billing] Could not release invoice claim %s: %v", claim, derr)
			}
			return report, err
		}
		if err := s.repo.MarkIdempotencyKeyProcessed(ctx, claim, ""); err != nil {
			log.Errorf("[Billing] Could not mark invoice claim %s: %v", claim, err)
		}
		return report, nil
	}
	return s.recordInvoice(ctx, c, report)
}

func (s *Service) recordInvoice(ctx context.Context, c *EventContext, report *Report) (*Report, error) {
	sub, err := s.repo.GetSubscription(ctx, c.SubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Subscriptions created outside our checkouts are adopted here.
		if err := s.resolveEmail(ctx, c); err != nil {
			return report, err
		}
		remote, rerr := s.provider.GetSubscription(ctx, c.SubscriptionID)
		if rerr != nil {
			return report, rerr
		}
		purchaseType := firstNonEmpty(remote.Metadata[MetaPurchaseType], c.PurchaseType, models.PurchaseTypeSite)
		sub = subscriptionFromRemote(remote, c.CustomerEmail, purchaseType)
		sub.CustomerID = firstNonEmpty(c.CustomerID, remote.CustomerID)
		if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
			return report, fmt.Errorf("upsert subscription: %w", err)
		}
		for i, item := range remote.Items {
			site := ""
			if !sub.IsQuantity() {
				site = NormalizeSiteDomain(firstNonEmpty(item.Metadata[MetaSite], item.Metadata[MetaSiteDomain]))
				if site == "" && i == 0 {
					site = c.SiteDomain
				}
			}
			if err := s.persistItem(ctx, sub, item, site); err != nil {
				return report, err
			}
		}
	} else if err != nil {
		return report, err
	}

	email := firstNonEmpty(sub.UserEmail, c.CustomerEmail)
	if c.PeriodEnd != nil {
		sub.CurrentPeriodStart = c.PeriodStart
		sub.CurrentPeriodEnd = c.PeriodEnd
	}
	if sub.Status != models.SubscriptionStatusCanceled {
		sub.Status = models.SubscriptionStatusActive
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return report, fmt.Errorf("update subscription period: %w", err)
	}

	items, err := s.repo.ListSubscriptionItems(ctx, sub.SubscriptionID)
	if err != nil {
		return report, err
	}
	var siteItems []models.SubscriptionItem
	for _, item := range items {
		if item.Status != models.ItemStatusActive {
			continue
		}
		if _, err := s.issueLicense(ctx, &models.License{
			CustomerID:     sub.CustomerID,
			UserEmail:      email,
			SubscriptionID: sub.SubscriptionID,
			ItemID:         item.ItemID,
			SiteDomain:     item.SiteDomain,
			PurchaseType:   item.PurchaseType,
		}); err != nil {
			report.Add("issue_license", item.ItemID, err)
		}
		if item.SiteDomain != "" {
			siteItems = append(siteItems, item)
		}
	}

	currency := firstNonEmpty(c.Currency, s.cfg.PricingFor(sub.BillingPeriod).Currency)
	if len(siteItems) == 0 {
		if err := s.repo.CreatePayment(ctx, &models.Payment{
			CustomerID:      sub.CustomerID,
			SubscriptionID:  sub.SubscriptionID,
			UserEmail:       email,
			Amount:          c.Amount,
			Currency:        currency,
			Status:          models.PaymentStatusSucceeded,
			PaymentIntentID: c.PaymentIntentID,
			InvoiceID:       c.InvoiceID,
			StripeEventID:   c.EventID,
		}); err != nil {
			return report, fmt.Errorf("create payment: %w", err)
		}
		report.Ok("record_payment", c.InvoiceID)
		return report, nil
	}

	shares := splitAmount(c.Amount, len(siteItems))
	for i, item := range siteItems {
		if err := s.repo.CreatePayment(ctx, &models.Payment{
			CustomerID:      sub.CustomerID,
			SubscriptionID:  sub.SubscriptionID,
			UserEmail:       email,
			Amount:          shares[i],
			Currency:        currency,
			Status:          models.PaymentStatusSucceeded,
			SiteDomain:      item.SiteDomain,
			PaymentIntentID: c.PaymentIntentID,
			InvoiceID:       c.InvoiceID,
			StripeEventID:   c.EventID,
		}); err != nil {
			return report, fmt.Errorf("create payment for %s: %w", item.SiteDomain, err)
		}

		site, err := s.repo.GetSite(ctx, email, item.SiteDomain)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			site = &models.Site{UserEmail: email, SiteDomain: item.SiteDomain, Currency: currency}
		} else if err != nil {
			report.Add("renew_site", item.SiteDomain, err)
			continue
		}
		site.SubscriptionID = sub.SubscriptionID
		site.ItemID = item.ItemID
		site.PriceID = item.PriceID
		site.AmountPaid = shares[i]
		site.Status = models.SiteStatusActive
		site.RenewalDate = sub.CurrentPeriodEnd
		report.Add("renew_site", item.SiteDomain, s.repo.UpsertSite(ctx, site))
	}

	log.Infof("[Billing] Invoice %s: %d %s across %d site(s) of %s", c.InvoiceID, c.Amount, currency, len(siteItems), sub.SubscriptionID)
	return report, nil
}

// splitAmount divides amount into n shares; the remainder goes to the first.
func splitAmount(amount int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := amount / int64(n)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += amount - base*int64(n)
	return shares
}
