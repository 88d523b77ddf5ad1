package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/license"
)

// Service implements the webhook use-cases, the dashboard operations and the
// subscription-item queue.
type Service struct {
	cfg      *config.Config
	repo     Repository
	provider Provider
	identity IdentityProvider
	keys     *license.Generator

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error
}

// NewService creates a billing service. identity may be nil when member sync
// is disabled.
func NewService(cfg *config.Config, repo Repository, provider Provider, identity IdentityProvider) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		provider: provider,
		identity: identity,
		keys:     license.NewGenerator(cfg.LicenseKeyPrefix, repo),
		now:      time.Now,
		pause:    sleepContext,
	}
}

// NewServiceFromDB wires the GORM repository, the Stripe provider and, when
// configured, the Memberstack client.
func NewServiceFromDB(cfg *config.Config, db *gorm.DB) *Service {
	var identity IdentityProvider
	if cfg.MemberstackEnabled() {
		identity = NewMemberstackClient(cfg)
	}
	return NewService(cfg, NewRepository(db), NewStripeProvider(cfg.StripeSecretKey), identity)
}

func (s *Service) Config() *config.Config {
	return s.cfg
}

// throttle waits between sequential provider calls to stay under the
// provider's rate limit.
func (s *Service) throttle(ctx context.Context) error {
	if s.cfg.ProviderCallDelay <= 0 {
		return ctx.Err()
	}
	return s.pause(ctx, s.cfg.ProviderCallDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// resolveEmail fills c.CustomerEmail from the local customer table or the
// provider's customer object.
func (s *Service) resolveEmail(ctx context.Context, c *EventContext) error {
	if c.CustomerEmail != "" {
		return nil
	}
	if c.CustomerID == "" {
		return fmt.Errorf("%w: event %s carries neither email nor customer", ErrInvalidInput, c.EventID)
	}
	email, err := s.repo.FindCustomerEmail(ctx, c.CustomerID)
	if err == nil && email != "" {
		c.CustomerEmail = email
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	email, err = s.provider.GetCustomerEmail(ctx, c.CustomerID)
	if err != nil {
		return err
	}
	c.CustomerEmail = models.NormalizeEmail(email)
	if c.CustomerEmail == "" {
		return fmt.Errorf("%w: customer %s has no email", ErrInvalidInput, c.CustomerID)
	}
	return nil
}

// customerFor returns the newest customer id for email, creating one at the
// provider when the user has never paid.
func (s *Service) customerFor(ctx context.Context, email string, create bool) (string, error) {
	id, err := s.repo.LatestCustomerID(ctx, email)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if !create {
		return "", ErrNoCustomer
	}
	id, err = s.provider.CreateCustomer(ctx, email)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpsertCustomer(ctx, id, email); err != nil {
		return "", err
	}
	return id, nil
}

// findLiveSubscription returns the newest live subscription of purchaseType.
func (s *Service) findLiveSubscription(ctx context.Context, email, purchaseType string) (*models.Subscription, error) {
	subs, err := s.repo.ListSubscriptionsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].PurchaseType == purchaseType && subs[i].IsLive() {
			return &subs[i], nil
		}
	}
	return nil, nil
}

// syncMember makes sure the payer exists in the identity provider. Failures
// only land in the report.
func (s *Service) syncMember(ctx context.Context, email string, report *Report) {
	if s.identity == nil || email == "" {
		return
	}

	member, err := s.identity.GetMemberByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrMemberNotFound) {
		log.Warnf("[Billing] Memberstack lookup failed for %s: %v", email, err)
		report.Add("memberstack_lookup", email, err)
		return
	}

	if member == nil {
		password, perr := randomPassword()
		if perr != nil {
			report.Add("memberstack_create", email, perr)
			return
		}
		member, err = s.identity.CreateMember(ctx, email, password, s.cfg.MemberstackPlanID)
		if errors.Is(err, ErrMemberExists) {
			member, err = s.identity.GetMemberByEmail(ctx, email)
		}
		if err != nil {
			log.Warnf("[Billing] Memberstack create failed for %s: %v", email, err)
			report.Add("memberstack_create", email, err)
			return
		}
		report.Ok("memberstack_create", email)
	} else if s.cfg.MemberstackPlanID != "" {
		if err := s.identity.AddFreePlan(ctx, member.ID, s.cfg.MemberstackPlanID); err != nil && !errors.Is(err, ErrMemberExists) {
			report.Add("memberstack_add_plan", email, err)
		}
	}

	if err := s.repo.SetMemberstackID(ctx, email, member.ID); err != nil {
		report.Add("memberstack_link", email, err)
		return
	}
	report.Ok("memberstack_sync", email)
}

// issueLicense persists a license for an item or slot. An existing license
// for the same item is kept, so replays never mint a second key.
func (s *Service) issueLicense(ctx context.Context, l *models.License) (*models.License, error) {
	if l.ItemID != "" {
		existing, err := s.repo.FindLicenseByItem(ctx, l.ItemID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if l.LicenseKey == "" {
		key, err := s.keys.Generate(ctx)
		if err != nil {
			return nil, err
		}
		l.LicenseKey = key
	} else if existing, err := s.repo.GetLicense(ctx, l.LicenseKey); err == nil {
		return existing, nil
	}
	if l.Status == "" {
		l.Status = models.LicenseStatusActive
	}
	if err := s.repo.CreateLicense(ctx, l); err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}
	return l, nil
}

func normalizeEmailInput(email string) (string, error) {
	email = models.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return email, nil
}
