package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

const (
	CacheKeyBilling = "statistics:billing"
	CacheExpiration = 5 * time.Minute
)

// BillingStats is the admin overview of the billing tables.
type BillingStats struct {
	ActiveSubscriptions int64     `json:"active_subscriptions"`
	ActiveLicenses      int64     `json:"active_licenses"`
	ActiveSites         int64     `json:"active_sites"`
	QueuePending        int64     `json:"queue_pending"`
	QueueFailed         int64     `json:"queue_failed"`
	Refunds             int64     `json:"refunds"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Counter computes fresh statistics.
type Counter func(ctx context.Context) (*BillingStats, error)

// Cache serves BillingStats from Redis and recomputes them at most once per
// expiration window.
type Cache struct {
	client *redis.Client
	count  Counter
	mu     sync.Mutex
}

func NewCache(client *redis.Client, count Counter) *Cache {
	return &Cache{client: client, count: count}
}

// Get returns cached statistics, recomputing on a miss. A cache outage falls
// back to counting directly.
func (c *Cache) Get(ctx context.Context) (*BillingStats, error) {
	if stats, err := c.read(ctx); err == nil {
		return stats, nil
	} else if !errors.Is(err, redis.Nil) {
		log.Warnf("[Statistics] Cache read failed: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if stats, err := c.read(ctx); err == nil {
		return stats, nil
	}
	return c.refresh(ctx)
}

// Invalidate drops the cached value so the next Get recounts.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, CacheKeyBilling).Err()
}

func (c *Cache) read(ctx context.Context) (*BillingStats, error) {
	raw, err := c.client.Get(ctx, CacheKeyBilling).Bytes()
	if err != nil {
		return nil, err
	}
	var stats BillingStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Cache) refresh(ctx context.Context) (*BillingStats, error) {
	stats, err := c.count(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, CacheKeyBilling, raw, CacheExpiration).Err(); err != nil {
		log.Warnf("[Statistics] Cache write failed: %v", err)
	}
	return stats, nil
}

// CountFromDB counts the billing tables.
func CountFromDB(db *gorm.DB) Counter {
	return func(ctx context.Context) (*BillingStats, error) {
		tx := db.WithContext(ctx)
		stats := &BillingStats{UpdatedAt: time.Now().UTC()}

		counts := []struct {
			dst   *int64
			model interface{}
			where string
			args  []interface{}
		}{
			{&stats.ActiveSubscriptions, &models.Subscription{}, "status IN ?", []interface{}{[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}}},
			{&stats.ActiveLicenses, &models.License{}, "status = ?", []interface{}{models.LicenseStatusActive}},
			{&stats.ActiveSites, &models.Site{}, "status = ?", []interface{}{models.SiteStatusActive}},
			{&stats.QueuePending, &models.SubscriptionQueueItem{}, "status = ?", []interface{}{models.QueueStatusPending}},
			{&stats.QueueFailed, &models.SubscriptionQueueItem{}, "status = ?", []interface{}{models.QueueStatusFailed}},
			{&stats.Refunds, &models.Refund{}, "1 = 1", nil},
		}
		for _, q := range counts {
			if err := tx.Model(q.model).Where(q.where, q.args...).Count(q.dst).Error; err != nil {
				return nil, err
			}
		}
		return stats, nil
	}
}
