package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

// HandleSubscriptionChange mirrors customer.subscription.updated and
// .deleted: status, period and cancellation flags are copied, and local items
// no longer present remotely are deactivated together with their license and
// site. Unknown subscriptions are ignored.
func (s *Service) HandleSubscriptionChange(ctx context.Context, c *EventContext) (*Report, error) {
	report := NewReport()
	remote := c.Subscription
	if remote == nil || remote.ID == "" {
		return report, fmt.Errorf("%w: event %s has no subscription object", ErrInvalidInput, c.EventID)
	}

	sub, err := s.repo.GetSubscription(ctx, remote.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debugf("[Billing] Subscription %s is not tracked, ignoring %s", remote.ID, c.EventType)
		return report, nil
	}
	if err != nil {
		return report, err
	}

	if remote.Status != "" {
		sub.Status = remote.Status
	}
	if c.EventType == EventSubscriptionDeleted {
		sub.Status = models.SubscriptionStatusCanceled
		if remote.CanceledAt == nil {
			now := s.now()
			remote.CanceledAt = &now
		}
	}
	if remote.CurrentPeriodEnd != nil {
		sub.CurrentPeriodStart = remote.CurrentPeriodStart
		sub.CurrentPeriodEnd = remote.CurrentPeriodEnd
	}
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	sub.CancelAt = remote.CancelAt
	sub.CanceledAt = remote.CanceledAt
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return report, fmt.Errorf("update subscription: %w", err)
	}
	report.Ok("sync_subscription", sub.SubscriptionID)

	remoteItems := make(map[string]bool, len(remote.Items))
	for _, item := range remote.Items {
		remoteItems[item.ID] = true
	}
	ended := c.EventType == EventSubscriptionDeleted

	items, err := s.repo.ListSubscriptionItems(ctx, sub.SubscriptionID)
	if err != nil {
		return report, err
	}
	for _, item := range items {
		if item.Status != models.ItemStatusActive {
			continue
		}
		if !ended && remoteItems[item.ItemID] {
			continue
		}
		report.Add("deactivate_item", item.ItemID, s.deactivateItem(ctx, sub.UserEmail, item))
	}

	log.Infof("[Billing] Subscription %s synced: status=%s cancel_at_period_end=%t", sub.SubscriptionID, sub.Status, sub.CancelAtPeriodEnd)
	return report, nil
}

// deactivateItem marks an item inactive along with its license and site.
func (s *Service) deactivateItem(ctx context.Context, email string, item models.SubscriptionItem) error {
	if err := s.repo.UpdateSubscriptionItem(ctx, item.ItemID, map[string]interface{}{"status": models.ItemStatusInactive}); err != nil {
		return err
	}
	if err := s.repo.SetLicenseStatusByItem(ctx, item.ItemID, models.LicenseStatusInactive); err != nil {
		return err
	}
	if item.SiteDomain != "" {
		if err := s.repo.UpdateSiteStatus(ctx, email, item.SiteDomain, models.SiteStatusInactive); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return nil
}
