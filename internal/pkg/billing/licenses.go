package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

// Dashboard is everything the front end shows for one account.
type Dashboard struct {
	Email         string                `json:"email"`
	Sites         []models.Site         `json:"sites"`
	Subscriptions []models.Subscription `json:"subscriptions"`
	Licenses      []models.License      `json:"licenses"`
	PendingSites  []models.PendingSite  `json:"pending_sites"`
}

func (s *Service) Dashboard(ctx context.Context, email string) (*Dashboard, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{Email: email}
	if d.Sites, err = s.repo.ListSites(ctx, email); err != nil {
		return nil, err
	}
	if d.Subscriptions, err = s.repo.ListSubscriptionsByEmail(ctx, email); err != nil {
		return nil, err
	}
	if d.Licenses, err = s.repo.ListLicensesByEmail(ctx, email); err != nil {
		return nil, err
	}
	if d.PendingSites, err = s.repo.ListPendingSites(ctx, email); err != nil {
		return nil, err
	}
	return d, nil
}

// CheckoutEmail returns the buyer email of a checkout session so the success
// page can bind it to the caller's session.
func (s *Service) CheckoutEmail(ctx context.Context, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	cs, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	c := &EventContext{
		EventID:       sessionID,
		CustomerID:    cs.CustomerID,
		CustomerEmail: models.NormalizeEmail(cs.CustomerEmail),
	}
	if err := s.resolveEmail(ctx, c); err != nil {
		return "", fmt.Errorf("%w: checkout session %s: %v", ErrNoCustomer, sessionID, err)
	}
	return c.CustomerEmail, nil
}

func (s *Service) ListLicenses(ctx context.Context, email string) ([]models.License, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLicensesByEmail(ctx, email)
}

func (s *Service) getLicense(ctx context.Context, key string) (*models.License, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return nil, fmt.Errorf("%w: license_key is required", ErrInvalidInput)
	}
	l, err := s.repo.GetLicense(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

// ActivateLicense binds a license to the site it is used on. An inactive
// license is reactivated first; with adjustQuantity its billed slot is added
// back, by incrementing the item quantity or recreating a removed item, both
// with prorations. A license already bound to another site must be
// deactivated first.
func (s *Service) ActivateLicense(ctx context.Context, key, site string, adjustQuantity bool) (*models.License, error) {
	site = NormalizeSiteDomain(site)
	if site == "" {
		return nil, fmt.Errorf("%w: site_domain is required", ErrInvalidInput)
	}
	l, err := s.getLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	if l.UsedSiteDomain != "" && l.UsedSiteDomain != site {
		return nil, fmt.Errorf("%w: license %s is already used on %s", ErrInvalidInput, l.LicenseKey, l.UsedSiteDomain)
	}
	if l.IsActive() && l.UsedSiteDomain == site {
		return l, nil
	}

	reactivated := false
	if !l.IsActive() {
		if err := s.reactivateLicense(ctx, l, adjustQuantity); err != nil {
			return nil, err
		}
		reactivated = true
	}

	now := s.now()
	l.UsedSiteDomain = site
	l.ActivatedAt = &now
	if err := s.repo.SaveLicense(ctx, l); err != nil {
		return nil, err
	}
	log.Infof("[Billing] License %s activated on %s (reactivated=%t, adjust_quantity=%t)", l.LicenseKey, site, reactivated, adjustQuantity)
	return l, nil
}

// reactivateLicense flips an inactive license back to active. The license's
// own SiteDomain is kept; only its subscription must still be live.
func (s *Service) reactivateLicense(ctx context.Context, l *models.License, adjustQuantity bool) error {
	var sub *models.Subscription
	if l.SubscriptionID != "" {
		var err error
		sub, err = s.repo.GetSubscription(ctx, l.SubscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if !sub.IsLive() {
			return fmt.Errorf("%w: subscription %s of license %s is %s", ErrInvalidInput, sub.SubscriptionID, l.LicenseKey, sub.Status)
		}
	}
	if adjustQuantity && sub != nil {
		if err := s.restoreSlot(ctx, sub, l); err != nil {
			return err
		}
	}
	l.Status = models.LicenseStatusActive
	return nil
}

// restoreSlot bills the license's slot again. An item still carrying other
// slots gains one; a removed item is recreated on the subscription with the
// same price when it is known, else with the configured slot price.
func (s *Service) restoreSlot(ctx context.Context, sub *models.Subscription, l *models.License) error {
	var item *models.SubscriptionItem
	if l.ItemID != "" {
		found, err := s.repo.GetSubscriptionItem(ctx, l.ItemID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		item = found
	}

	if item != nil && item.Status == models.ItemStatusActive {
		if err := s.provider.UpdateSubscriptionItemQuantity(ctx, item.ItemID, item.Quantity+1, ProrationCreate); err != nil {
			return err
		}
		return s.repo.UpdateSubscriptionItem(ctx, item.ItemID, map[string]interface{}{"quantity": item.Quantity + 1})
	}

	purchaseType := firstNonEmpty(l.PurchaseType, sub.PurchaseType)
	newItem := NewItem{
		Quantity: 1,
		Metadata: map[string]string{
			MetaLicenseKey:   l.LicenseKey,
			MetaPurchaseType: purchaseType,
		},
	}
	if l.SiteDomain != "" {
		newItem.Metadata[MetaSite] = l.SiteDomain
	}
	if item != nil && item.PriceID != "" {
		newItem.PriceID = item.PriceID
	} else {
		priceData, err := s.slotPriceData(ctx, sub.BillingPeriod)
		if err != nil {
			return err
		}
		newItem.PriceData = priceData
	}

	// The removed item's id makes the key unique per deactivation cycle.
	remote, err := s.provider.CreateSubscriptionItem(ctx, CreateItemInput{
		SubscriptionID:    sub.SubscriptionID,
		Item:              newItem,
		ProrationBehavior: ProrationCreate,
		IdempotencyKey:    "reactivate-" + l.LicenseKey + "-" + firstNonEmpty(l.ItemID, "none"),
	})
	if err != nil {
		return err
	}
	if err := s.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
		ItemID:         remote.ID,
		SubscriptionID: sub.SubscriptionID,
		SiteDomain:     l.SiteDomain,
		PriceID:        firstNonEmpty(remote.PriceID, newItem.PriceID),
		Quantity:       1,
		Status:         models.ItemStatusActive,
		PurchaseType:   purchaseType,
	}); err != nil {
		return fmt.Errorf("upsert item %s: %w", remote.ID, err)
	}
	l.ItemID = remote.ID

	if l.SiteDomain == "" {
		return nil
	}
	site, err := s.repo.GetSite(ctx, l.UserEmail, l.SiteDomain)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	site.ItemID = remote.ID
	site.PriceID = firstNonEmpty(remote.PriceID, newItem.PriceID)
	site.Status = models.SiteStatusActive
	return s.repo.UpsertSite(ctx, site)
}

// DeactivateLicense sets a license inactive and releases its site. With
// adjustQuantity the billed slot is removed too: the item quantity is
// decremented, or the item deleted when it held a single slot, both with
// prorations.
func (s *Service) DeactivateLicense(ctx context.Context, key string, adjustQuantity bool) (*models.License, error) {
	l, err := s.getLicense(ctx, key)
	if err != nil {
		return nil, err
	}

	if adjustQuantity && l.ItemID != "" && l.IsActive() {
		item, err := s.repo.GetSubscriptionItem(ctx, l.ItemID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if item != nil && item.Status == models.ItemStatusActive {
			if item.Quantity > 1 {
				if err := s.provider.UpdateSubscriptionItemQuantity(ctx, item.ItemID, item.Quantity-1, ProrationCreate); err != nil {
					return nil, err
				}
				err = s.repo.UpdateSubscriptionItem(ctx, item.ItemID, map[string]interface{}{"quantity": item.Quantity - 1})
			} else {
				if err := s.provider.DeleteSubscriptionItem(ctx, item.ItemID, ProrationCreate); err != nil {
					return nil, err
				}
				err = s.repo.UpdateSubscriptionItem(ctx, item.ItemID, map[string]interface{}{"status": models.ItemStatusRemoved})
			}
			if err != nil {
				return nil, err
			}
		}
	}

	l.Status = models.LicenseStatusInactive
	l.UsedSiteDomain = ""
	l.ActivatedAt = nil
	if err := s.repo.SaveLicense(ctx, l); err != nil {
		return nil, err
	}
	log.Infof("[Billing] License %s deactivated (adjust_quantity=%t)", l.LicenseKey, adjustQuantity)
	return l, nil
}
