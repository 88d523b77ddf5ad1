package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

// SiteRequest is one site submitted from the dashboard.
type SiteRequest struct {
	SiteDomain string `json:"site_domain" validate:"required,max=255"`
	PriceID    string `json:"price_id,omitempty" validate:"omitempty,max=191"`
}

type AddedSite struct {
	SiteDomain string `json:"site_domain"`
	ItemID     string `json:"item_id"`
	LicenseKey string `json:"license_key"`
}

type AddSitesResult struct {
	SubscriptionID      string      `json:"subscription_id"`
	CreatedSubscription bool        `json:"created_subscription"`
	Added               []AddedSite `json:"added"`
	Report              *Report     `json:"report"`
}

// StagePendingSites stores sites awaiting payment. Already staged domains are
// skipped; the number of new rows is returned.
func (s *Service) StagePendingSites(ctx context.Context, email string, sites []SiteRequest) (int64, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return 0, err
	}
	if len(sites) == 0 {
		return 0, fmt.Errorf("%w: at least one site is required", ErrInvalidInput)
	}

	rows := make([]models.PendingSite, 0, len(sites))
	seen := map[string]bool{}
	for _, req := range sites {
		row := models.PendingSite{
			UserEmail:  email,
			SiteDomain: NormalizeSiteDomain(req.SiteDomain),
			PriceID:    req.PriceID,
		}
		if err := row.Validate(); err != nil {
			return 0, fmt.Errorf("%w: site %q: %v", ErrInvalidInput, req.SiteDomain, err)
		}
		if seen[row.SiteDomain] {
			continue
		}
		seen[row.SiteDomain] = true
		rows = append(rows, row)
	}
	return s.repo.CreatePendingSites(ctx, rows)
}

// AddSitesToSubscription attaches the user's staged sites to a site
// subscription, one provider call at a time. A quantity subscription never
// receives site items: a new subscription is created for the sites instead
// and the original is left untouched. Per-site failures are reported and the
// remaining sites continue.
func (s *Service) AddSitesToSubscription(ctx context.Context, email, subscriptionID string) (*AddSitesResult, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.ListPendingSites(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, ErrNoPendingSites
	}

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && sub.UserEmail != email) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	if sub.IsQuantity() {
		log.Infof("[Billing] Subscription %s is a quantity subscription; creating a new site subscription for %s", sub.SubscriptionID, email)
		return s.createSiteSubscription(ctx, email, sub.CustomerID, sub.BillingPeriod, pending)
	}
	if !sub.IsLive() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrInvalidInput, sub.SubscriptionID, sub.Status)
	}

	result := &AddSitesResult{SubscriptionID: sub.SubscriptionID, Added: []AddedSite{}, Report: NewReport()}
	accountPrice := s.accountDefaultPrice(ctx, email)

	for i, ps := range pending {
		if i > 0 {
			if err := s.throttle(ctx); err != nil {
				return result, err
			}
		}
		added, err := s.addSiteItem(ctx, sub, ps, accountPrice)
		if err != nil {
			log.Warnf("[Billing] Adding site %s to %s failed: %v", ps.SiteDomain, sub.SubscriptionID, err)
			result.Report.Add("add_site", ps.SiteDomain, err)
			continue
		}
		result.Report.Ok("add_site", ps.SiteDomain)
		result.Added = append(result.Added, *added)
	}
	return result, nil
}

func (s *Service) addSiteItem(ctx context.Context, sub *models.Subscription, ps models.PendingSite, accountPrice string) (*AddedSite, error) {
	price, err := s.sitePrice(ctx, ps, accountPrice, sub.BillingPeriod)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.Generate(ctx)
	if err != nil {
		return nil, err
	}

	item, err := s.provider.CreateSubscriptionItem(ctx, CreateItemInput{
		SubscriptionID: sub.SubscriptionID,
		Item: NewItem{
			PriceID:  price.ID,
			Quantity: 1,
			Metadata: map[string]string{
				MetaSite:         ps.SiteDomain,
				MetaLicenseKey:   key,
				MetaPurchaseType: models.PurchaseTypeSite,
			},
		},
		ProrationBehavior: ProrationCreate,
		IdempotencyKey:    fmt.Sprintf("add-site-%s-%d", sub.SubscriptionID, ps.ID),
	})
	if err != nil {
		return nil, err
	}
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}
	item.Metadata[MetaLicenseKey] = key
	if item.UnitAmount == 0 {
		item.UnitAmount = price.UnitAmount
		item.Currency = price.Currency
	}

	if err := s.persistItem(ctx, sub, *item, ps.SiteDomain); err != nil {
		return nil, err
	}
	if err := s.repo.DeletePendingSite(ctx, sub.UserEmail, ps.SiteDomain); err != nil {
		return nil, fmt.Errorf("clear pending site: %w", err)
	}
	return &AddedSite{SiteDomain: ps.SiteDomain, ItemID: item.ID, LicenseKey: key}, nil
}

// createSiteSubscription starts a new site subscription for the staged sites.
func (s *Service) createSiteSubscription(ctx context.Context, email, customerID, period string, pending []models.PendingSite) (*AddSitesResult, error) {
	result := &AddSitesResult{CreatedSubscription: true, Added: []AddedSite{}, Report: NewReport()}
	accountPrice := s.accountDefaultPrice(ctx, email)

	var items []NewItem
	for i, ps := range pending {
		if i > 0 {
			if err := s.throttle(ctx); err != nil {
				return result, err
			}
		}
		price, err := s.sitePrice(ctx, ps, accountPrice, period)
		if err != nil {
			result.Report.Add("clone_price", ps.SiteDomain, err)
			continue
		}
		key, err := s.keys.Generate(ctx)
		if err != nil {
			return result, err
		}
		items = append(items, NewItem{
			PriceID:  price.ID,
			Quantity: 1,
			Metadata: map[string]string{
				MetaSite:         ps.SiteDomain,
				MetaLicenseKey:   key,
				MetaPurchaseType: models.PurchaseTypeSite,
			},
		})
	}
	if len(items) == 0 {
		return result, fmt.Errorf("no site could be priced for %s", email)
	}

	remote, err := s.provider.CreateSubscription(ctx, CreateSubscriptionInput{
		CustomerID: customerID,
		Items:      items,
		Metadata: map[string]string{
			MetaPurchaseType: models.PurchaseTypeSite,
			MetaUserEmail:    email,
		},
		ProrationBehavior: ProrationCreate,
	})
	if err != nil {
		return result, err
	}

	sub := subscriptionFromRemote(remote, email, models.PurchaseTypeSite)
	sub.CustomerID = firstNonEmpty(remote.CustomerID, customerID)
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return result, fmt.Errorf("upsert subscription: %w", err)
	}
	result.SubscriptionID = sub.SubscriptionID

	for _, item := range remote.Items {
		site := NormalizeSiteDomain(item.Metadata[MetaSite])
		if err := s.persistItem(ctx, sub, item, site); err != nil {
			result.Report.Add("persist_item", item.ID, err)
			continue
		}
		if err := s.repo.DeletePendingSite(ctx, email, site); err != nil {
			result.Report.Add("clear_pending_site", site, err)
		}
		result.Report.Ok("add_site", site)
		result.Added = append(result.Added, AddedSite{SiteDomain: site, ItemID: item.ID, LicenseKey: item.Metadata[MetaLicenseKey]})
	}
	return result, nil
}

// sitePrice clones a reference price into a product and price named after the
// site. The reference is the site's own price, else the account default,
// else the configured default price; without any price id the configured
// amount is used.
func (s *Service) sitePrice(ctx context.Context, ps models.PendingSite, accountPrice, period string) (*RemotePrice, error) {
	pricing := s.cfg.PricingFor(period)
	ref := &RemotePrice{UnitAmount: pricing.UnitAmount, Currency: pricing.Currency, Interval: pricing.Interval}

	if refID := firstNonEmpty(ps.PriceID, accountPrice, pricing.PriceID); refID != "" {
		p, err := s.provider.GetPrice(ctx, refID)
		if err != nil {
			return nil, fmt.Errorf("reference price %s: %w", refID, err)
		}
		ref = p
	}
	if ref.Interval == "" {
		ref.Interval = pricing.Interval
	}
	if ref.Currency == "" {
		ref.Currency = pricing.Currency
	}

	productID, err := s.provider.CreateProduct(ctx, ps.SiteDomain, map[string]string{MetaSite: ps.SiteDomain})
	if err != nil {
		return nil, err
	}
	return s.provider.CreatePrice(ctx, PriceInput{
		ProductID:  productID,
		UnitAmount: ref.UnitAmount,
		Currency:   ref.Currency,
		Interval:   ref.Interval,
		Nickname:   ps.SiteDomain,
		Metadata:   map[string]string{MetaSite: ps.SiteDomain},
	})
}

func (s *Service) accountDefaultPrice(ctx context.Context, email string) string {
	id, err := s.repo.LatestItemPriceID(ctx, email)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] Account default price lookup for %s failed: %v", email, err)
		}
		return ""
	}
	return id
}

// PendingCheckoutResult is returned by CheckoutPendingSites. Mode is
// "attached" when the sites went straight onto an existing subscription and
// "checkout" when the caller must complete a checkout session.
type PendingCheckoutResult struct {
	Mode        string          `json:"mode"`
	SessionID   string          `json:"session_id,omitempty"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
	Attached    *AddSitesResult `json:"attached,omitempty"`
}

// CheckoutPendingSites pays for staged sites. Customers with a live site
// subscription and a saved payment method get the sites attached directly;
// everyone else gets a subscription-mode checkout tagged usecase 2.
func (s *Service) CheckoutPendingSites(ctx context.Context, email, subscriptionID, billingPeriod string) (*PendingCheckoutResult, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.ListPendingSites(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, ErrNoPendingSites
	}

	var target *models.Subscription
	if subscriptionID != "" {
		target, err = s.repo.GetSubscription(ctx, subscriptionID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && target.UserEmail != email) {
			return nil, ErrSubscriptionNotFound
		}
		if err != nil {
			return nil, err
		}
	} else if target, err = s.findLiveSubscription(ctx, email, models.PurchaseTypeSite); err != nil {
		return nil, err
	}

	if target != nil && target.IsLive() && !target.IsQuantity() && target.CustomerID != "" {
		hasMethod, err := s.provider.HasDefaultPaymentMethod(ctx, target.CustomerID)
		if err != nil {
			log.Warnf("[Billing] Payment method lookup for %s failed: %v", target.CustomerID, err)
		}
		if hasMethod {
			attached, err := s.AddSitesToSubscription(ctx, email, target.SubscriptionID)
			if err != nil {
				return nil, err
			}
			return &PendingCheckoutResult{Mode: "attached", Attached: attached}, nil
		}
	}

	if billingPeriod == "" && target != nil {
		billingPeriod = target.BillingPeriod
	}
	period := config.NormalizeBillingPeriod(billingPeriod)
	pricing := s.cfg.PricingFor(period)

	customerID, err := s.customerFor(ctx, email, false)
	if err != nil && !errors.Is(err, ErrNoCustomer) {
		return nil, err
	}

	domains := make([]string, 0, len(pending))
	lines := make([]CheckoutLineItem, 0, len(pending))
	for _, ps := range pending {
		domains = append(domains, ps.SiteDomain)
		lines = append(lines, CheckoutLineItem{
			Name:       ps.SiteDomain,
			UnitAmount: pricing.UnitAmount,
			Currency:   pricing.Currency,
			Quantity:   1,
			Interval:   pricing.Interval,
		})
	}

	md := map[string]string{
		MetaUsecase:       UsecasePendingSites,
		MetaUserEmail:     email,
		MetaPurchaseType:  models.PurchaseTypeSite,
		MetaBillingPeriod: period,
	}
	PutMetaList(md, MetaSites, domains)

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutInput{
		Mode:          CheckoutModeSubscription,
		CustomerID:    customerID,
		CustomerEmail: email,
		SuccessURL:    s.cfg.CheckoutSuccessURL,
		CancelURL:     s.cfg.CheckoutCancelURL,
		LineItems:     lines,
		Metadata:      md,
		SubscriptionMetadata: map[string]string{
			MetaPurchaseType: models.PurchaseTypeSite,
			MetaUserEmail:    email,
		},
	})
	if err != nil {
		return nil, err
	}
	return &PendingCheckoutResult{Mode: "checkout", SessionID: session.ID, CheckoutURL: session.URL}, nil
}

// RemoveSite deletes the site's subscription item with prorations and
// deactivates its license. The site row is kept as inactive.
func (s *Service) RemoveSite(ctx context.Context, email, domain string) (*models.Site, error) {
	email, err := normalizeEmailInput(email)
	if err != nil {
		return nil, err
	}
	domain = NormalizeSiteDomain(domain)
	site, err := s.repo.GetSite(ctx, email, domain)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, err
	}

	if site.ItemID != "" && site.Status == models.SiteStatusActive {
		if err := s.provider.DeleteSubscriptionItem(ctx, site.ItemID, ProrationCreate); err != nil {
			return nil, err
		}
		if err := s.repo.UpdateSubscriptionItem(ctx, site.ItemID, map[string]interface{}{"status": models.ItemStatusRemoved}); err != nil {
			return nil, err
		}
		if err := s.repo.SetLicenseStatusByItem(ctx, site.ItemID, models.LicenseStatusInactive); err != nil {
			return nil, err
		}
	}
	if err := s.repo.UpdateSiteStatus(ctx, email, domain, models.SiteStatusInactive); err != nil {
		return nil, err
	}
	site.Status = models.SiteStatusInactive
	log.Infof("[Billing] Site %s removed for %s", domain, email)
	return site, nil
}
