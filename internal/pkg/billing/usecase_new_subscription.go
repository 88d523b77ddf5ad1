package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

// HandleNewSubscription persists a subscription-mode checkout: user, customer
// link, subscription, one item and license per line, one payment, then the
// member sync. Sessions created from staged sites (usecase 2) list their
// domains in metadata and clear the staged rows.
func (s *Service) HandleNewSubscription(ctx context.Context, c *EventContext) (*Report, error) {
	report := NewReport()
	if err := s.resolveEmail(ctx, c); err != nil {
		return report, err
	}
	if c.SubscriptionID == "" {
		return report, fmt.Errorf("%w: checkout %s has no subscription", ErrInvalidInput, c.SessionID)
	}

	remote, err := s.provider.GetSubscription(ctx, c.SubscriptionID)
	if err != nil {
		return report, err
	}
	email := c.CustomerEmail

	_, created, err := s.repo.UpsertUser(ctx, email)
	if err != nil {
		return report, fmt.Errorf("upsert user: %w", err)
	}
	if created {
		log.Infof("[Billing] New member %s via checkout %s", email, c.SessionID)
	} else {
		log.Infof("[Billing] Returning member %s via checkout %s", email, c.SessionID)
	}

	customerID := firstNonEmpty(c.CustomerID, remote.CustomerID)
	if customerID != "" {
		if err := s.repo.UpsertCustomer(ctx, customerID, email); err != nil {
			return report, fmt.Errorf("upsert customer: %w", err)
		}
	}

	purchaseType := firstNonEmpty(remote.Metadata[MetaPurchaseType], c.PurchaseType, models.PurchaseTypeSite)
	sub := subscriptionFromRemote(remote, email, purchaseType)
	sub.CustomerID = customerID
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return report, fmt.Errorf("upsert subscription: %w", err)
	}

	staged := c.Usecase == UsecasePendingSites
	sites := c.MetaList(MetaSites)
	firstSite := ""
	for i, item := range remote.Items {
		site := ""
		if purchaseType != models.PurchaseTypeQuantity {
			site = NormalizeSiteDomain(firstNonEmpty(item.Metadata[MetaSite], item.Metadata[MetaSiteDomain]))
			if site == "" && i < len(sites) {
				site = NormalizeSiteDomain(sites[i])
			}
			if site == "" && i == 0 {
				site = c.SiteDomain
			}
		}
		if firstSite == "" {
			firstSite = site
		}

		if err := s.persistItem(ctx, sub, item, site); err != nil {
			return report, err
		}
		report.Ok("persist_item", item.ID)

		if staged && site != "" {
			if err := s.repo.DeletePendingSite(ctx, email, site); err != nil {
				report.Add("clear_pending_site", site, err)
			}
		}
	}

	payment := &models.Payment{
		CustomerID:      customerID,
		SubscriptionID:  sub.SubscriptionID,
		UserEmail:       email,
		Amount:          c.Amount,
		Currency:        firstNonEmpty(c.Currency, s.cfg.PricingFor(sub.BillingPeriod).Currency),
		Status:          models.PaymentStatusSucceeded,
		SiteDomain:      firstSite,
		PaymentIntentID: c.PaymentIntentID,
		StripeEventID:   c.EventID,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return report, fmt.Errorf("create payment: %w", err)
	}

	s.syncMember(ctx, email, report)
	return report, nil
}

// persistItem stores one remote item with its license and, for site items,
// the dashboard site row.
func (s *Service) persistItem(ctx context.Context, sub *models.Subscription, item RemoteItem, site string) error {
	itemType := sub.PurchaseType
	if err := s.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
		ItemID:         item.ID,
		SubscriptionID: sub.SubscriptionID,
		SiteDomain:     site,
		PriceID:        item.PriceID,
		Quantity:       quantityOrOne(item.Quantity),
		Status:         models.ItemStatusActive,
		PurchaseType:   itemType,
	}); err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}

	if _, err := s.issueLicense(ctx, &models.License{
		LicenseKey:     item.Metadata[MetaLicenseKey],
		CustomerID:     sub.CustomerID,
		UserEmail:      sub.UserEmail,
		SubscriptionID: sub.SubscriptionID,
		ItemID:         item.ID,
		SiteDomain:     site,
		PurchaseType:   itemType,
	}); err != nil {
		return fmt.Errorf("license for item %s: %w", item.ID, err)
	}

	if site == "" {
		return nil
	}
	currency := item.Currency
	if currency == "" {
		currency = s.cfg.PricingFor(sub.BillingPeriod).Currency
	}
	if err := s.repo.UpsertSite(ctx, &models.Site{
		UserEmail:      sub.UserEmail,
		SiteDomain:     site,
		SubscriptionID: sub.SubscriptionID,
		ItemID:         item.ID,
		PriceID:        item.PriceID,
		AmountPaid:     item.UnitAmount * quantityOrOne(item.Quantity),
		Currency:       currency,
		Status:         models.SiteStatusActive,
		RenewalDate:    sub.CurrentPeriodEnd,
	}); err != nil {
		return fmt.Errorf("upsert site %s: %w", site, err)
	}
	return nil
}

func subscriptionFromRemote(remote *RemoteSubscription, email, purchaseType string) *models.Subscription {
	status := remote.Status
	if status == "" {
		status = models.SubscriptionStatusActive
	}
	return &models.Subscription{
		SubscriptionID:     remote.ID,
		CustomerID:         remote.CustomerID,
		UserEmail:          email,
		Status:             status,
		PurchaseType:       purchaseType,
		BillingPeriod:      config.NormalizeBillingPeriod(remote.Interval),
		CurrentPeriodStart: remote.CurrentPeriodStart,
		CurrentPeriodEnd:   remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:  remote.CancelAtPeriodEnd,
		CancelAt:           remote.CancelAt,
		CanceledAt:         remote.CanceledAt,
	}
}
