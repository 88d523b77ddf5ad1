package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) (bool, error)
	MarkIdempotencyKeyProcessed(ctx context.Context, operationID, processingError string) error
	DeleteIdempotencyKey(ctx context.Context, operationID string) error

	UpsertUser(ctx context.Context, email string) (*models.User, bool, error)
	SetMemberstackID(ctx context.Context, email, memberID string) error
	UpsertCustomer(ctx context.Context, customerID, email string) error
	FindCustomerEmail(ctx context.Context, customerID string) (string, error)
	LatestCustomerID(ctx context.Context, email string) (string, error)

	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	ListSubscriptionsByEmail(ctx context.Context, email string) ([]models.Subscription, error)

	UpsertSubscriptionItem(ctx context.Context, item *models.SubscriptionItem) error
	GetSubscriptionItem(ctx context.Context, itemID string) (*models.SubscriptionItem, error)
	ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]models.SubscriptionItem, error)
	UpdateSubscriptionItem(ctx context.Context, itemID string, updates map[string]interface{}) error
	LatestItemPriceID(ctx context.Context, email string) (string, error)

	UpsertSite(ctx context.Context, site *models.Site) error
	GetSite(ctx context.Context, email, domain string) (*models.Site, error)
	ListSites(ctx context.Context, email string) ([]models.Site, error)
	UpdateSiteStatus(ctx context.Context, email, domain, status string) error

	CreatePendingSites(ctx context.Context, sites []models.PendingSite) (int64, error)
	ListPendingSites(ctx context.Context, email string) ([]models.PendingSite, error)
	DeletePendingSite(ctx context.Context, email, domain string) error

	LicenseKeyExists(ctx context.Context, key string) (bool, error)
	CreateLicense(ctx context.Context, l *models.License) error
	GetLicense(ctx context.Context, key string) (*models.License, error)
	FindLicenseByItem(ctx context.Context, itemID string) (*models.License, error)
	ListLicensesByEmail(ctx context.Context, email string) ([]models.License, error)
	SaveLicense(ctx context.Context, l *models.License) error
	SetLicenseStatusByItem(ctx context.Context, itemID, status string) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	CreateRefund(ctx context.Context, r *models.Refund) error

	CreateQueueItems(ctx context.Context, items []models.SubscriptionQueueItem) error
	ListDueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.SubscriptionQueueItem, error)
	ClaimQueueItem(ctx context.Context, queueID string, now time.Time) (bool, error)
	UpdateQueueItem(ctx context.Context, item *models.SubscriptionQueueItem, from models.QueueStatus) error
	ListQueueItemsByPaymentIntent(ctx context.Context, paymentIntentID string) ([]models.SubscriptionQueueItem, error)
	ListQueueItemsByIDs(ctx context.Context, queueIDs []string) ([]models.SubscriptionQueueItem, error)
	LinkQueueItemsToPaymentIntent(ctx context.Context, queueIDs []string, paymentIntentID string) error
	ListStuckQueueItems(ctx context.Context, olderThan time.Time) ([]models.SubscriptionQueueItem, error)
}

// ErrStaleQueueItem is returned when a queue row changed status underneath a
// conditional update.
var ErrStaleQueueItem = errors.New("queue item status changed concurrently")

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateIdempotencyKey inserts the key and reports whether it was new. The
// unique index on operation_id makes a conflicting insert the duplicate signal.
func (r *gormRepository) CreateIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operation_id"}},
		DoNothing: true,
	}).Create(key)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkIdempotencyKeyProcessed(ctx context.Context, operationID, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("operation_id = ?", operationID).Updates(updates).Error
}

func (r *gormRepository) DeleteIdempotencyKey(ctx context.Context, operationID string) error {
	return r.db.WithContext(ctx).Where("operation_id = ?", operationID).Delete(&models.IdempotencyKey{}).Error
}

func (r *gormRepository) UpsertUser(ctx context.Context, email string) (*models.User, bool, error) {
	user := &models.User{Email: email}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(user)
	if tx.Error != nil {
		return nil, false, tx.Error
	}
	created := tx.RowsAffected > 0
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(user).Error; err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func (r *gormRepository) SetMemberstackID(ctx context.Context, email, memberID string) error {
	return r.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).
		Update("memberstack_id", memberID).Error
}

func (r *gormRepository) UpsertCustomer(ctx context.Context, customerID, email string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "updated_at"}),
	}).Create(&models.Customer{CustomerID: customerID, UserEmail: email}).Error
}

func (r *gormRepository) FindCustomerEmail(ctx context.Context, customerID string) (string, error) {
	var c models.Customer
	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&c).Error; err != nil {
		return "", err
	}
	return c.UserEmail, nil
}

func (r *gormRepository) LatestCustomerID(ctx context.Context, email string) (string, error) {
	var c models.Customer
	if err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("updated_at DESC, id DESC").First(&c).Error; err != nil {
		return "", err
	}
	return c.CustomerID, nil
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id",
			"user_email",
			"status",
			"purchase_type",
			"billing_period",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"cancel_at",
			"canceled_at",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).Where("subscription_id = ?", sub.SubscriptionID).First(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByEmail(ctx context.Context, email string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("created_at DESC, id DESC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) UpsertSubscriptionItem(ctx context.Context, item *models.SubscriptionItem) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_id",
			"site_domain",
			"price_id",
			"quantity",
			"status",
			"purchase_type",
			"updated_at",
		}),
	}).Create(item).Error
}

func (r *gormRepository) GetSubscriptionItem(ctx context.Context, itemID string) (*models.SubscriptionItem, error) {
	var item models.SubscriptionItem
	if err := r.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *gormRepository) ListSubscriptionItems(ctx context.Context, subscriptionID string) ([]models.SubscriptionItem, error) {
	var items []models.SubscriptionItem
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Order("id ASC").Find(&items).Error
	return items, err
}

func (r *gormRepository) UpdateSubscriptionItem(ctx context.Context, itemID string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.SubscriptionItem{}).Where("item_id = ?", itemID).Updates(updates).Error
}

// LatestItemPriceID returns the price of the newest site item across the
// user's subscriptions.
func (r *gormRepository) LatestItemPriceID(ctx context.Context, email string) (string, error) {
	var item models.SubscriptionItem
	err := r.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.subscription_id = subscription_items.subscription_id").
		Where("subscriptions.user_email = ? AND subscription_items.price_id <> '' AND subscription_items.purchase_type = ?", email, models.PurchaseTypeSite).
		Order("subscription_items.created_at DESC, subscription_items.id DESC").
		First(&item).Error
	if err != nil {
		return "", err
	}
	return item.PriceID, nil
}

func (r *gormRepository) UpsertSite(ctx context.Context, site *models.Site) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_email"}, {Name: "site_domain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_id",
			"item_id",
			"price_id",
			"amount_paid",
			"currency",
			"status",
			"renewal_date",
			"updated_at",
		}),
	}).Create(site).Error
}

func (r *gormRepository) GetSite(ctx context.Context, email, domain string) (*models.Site, error) {
	var site models.Site
	if err := r.db.WithContext(ctx).Where("user_email = ? AND site_domain = ?", email, domain).First(&site).Error; err != nil {
		return nil, err
	}
	return &site, nil
}

func (r *gormRepository) ListSites(ctx context.Context, email string) ([]models.Site, error) {
	var sites []models.Site
	err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("site_domain ASC").Find(&sites).Error
	return sites, err
}

func (r *gormRepository) UpdateSiteStatus(ctx context.Context, email, domain, status string) error {
	return r.db.WithContext(ctx).Model(&models.Site{}).
		Where("user_email = ? AND site_domain = ?", email, domain).
		Update("status", status).Error
}

// CreatePendingSites stages sites; already staged domains are skipped.
func (r *gormRepository) CreatePendingSites(ctx context.Context, sites []models.PendingSite) (int64, error) {
	if len(sites) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_email"}, {Name: "site_domain"}},
		DoNothing: true,
	}).Create(&sites)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) ListPendingSites(ctx context.Context, email string) ([]models.PendingSite, error) {
	var sites []models.PendingSite
	err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("id ASC").Find(&sites).Error
	return sites, err
}

func (r *gormRepository) DeletePendingSite(ctx context.Context, email, domain string) error {
	return r.db.WithContext(ctx).Where("user_email = ? AND site_domain = ?", email, domain).Delete(&models.PendingSite{}).Error
}

func (r *gormRepository) LicenseKeyExists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.License{}).Where("license_key = ?", key).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	// Keys reserved by queued slots are taken as well.
	err := r.db.WithContext(ctx).Model(&models.SubscriptionQueueItem{}).Where("license_key = ?", key).Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) CreateLicense(ctx context.Context, l *models.License) error {
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *gormRepository) GetLicense(ctx context.Context, key string) (*models.License, error) {
	var l models.License
	if err := r.db.WithContext(ctx).Where("license_key = ?", key).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *gormRepository) FindLicenseByItem(ctx context.Context, itemID string) (*models.License, error) {
	var l models.License
	if err := r.db.WithContext(ctx).Where("item_id = ?", itemID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *gormRepository) ListLicensesByEmail(ctx context.Context, email string) ([]models.License, error) {
	var out []models.License
	err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (r *gormRepository) SaveLicense(ctx context.Context, l *models.License) error {
	return r.db.WithContext(ctx).Save(l).Error
}

func (r *gormRepository) SetLicenseStatusByItem(ctx context.Context, itemID, status string) error {
	return r.db.WithContext(ctx).Model(&models.License{}).Where("item_id = ?", itemID).Update("status", status).Error
}

func (r *gormRepository) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *gormRepository) CreateQueueItems(ctx context.Context, items []models.SubscriptionQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&items, 100).Error
}

// ListDueQueueItems returns pending rows whose retry time has passed. Rows not
// yet linked to a payment intent belong to an unpaid checkout and are skipped.
func (r *gormRepository) ListDueQueueItems(ctx context.Context, now time.Time, limit int) ([]models.SubscriptionQueueItem, error) {
	var items []models.SubscriptionQueueItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_intent_id <> '' AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.QueueStatusPending, now).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ClaimQueueItem moves a row from pending to processing. Only one caller can
// win the conditional update.
func (r *gormRepository) ClaimQueueItem(ctx context.Context, queueID string, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.SubscriptionQueueItem{}).
		Where("queue_id = ? AND status = ?", queueID, models.QueueStatusPending).
		Updates(map[string]interface{}{
			"status":       models.QueueStatusProcessing,
			"processed_at": now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateQueueItem(ctx context.Context, item *models.SubscriptionQueueItem, from models.QueueStatus) error {
	if err := models.QueueTransition(from, item.Status); err != nil {
		return err
	}
	tx := r.db.WithContext(ctx).Model(&models.SubscriptionQueueItem{}).
		Where("queue_id = ? AND status = ?", item.QueueID, from).
		Updates(map[string]interface{}{
			"status":          item.Status,
			"attempts":        item.Attempts,
			"next_retry_at":   item.NextRetryAt,
			"last_error":      item.LastError,
			"subscription_id": item.SubscriptionID,
			"item_id":         item.ItemID,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleQueueItem
	}
	return nil
}

func (r *gormRepository) ListQueueItemsByPaymentIntent(ctx context.Context, paymentIntentID string) ([]models.SubscriptionQueueItem, error) {
	var items []models.SubscriptionQueueItem
	err := r.db.WithContext(ctx).Where("payment_intent_id = ?", paymentIntentID).Order("id ASC").Find(&items).Error
	return items, err
}

func (r *gormRepository) ListQueueItemsByIDs(ctx context.Context, queueIDs []string) ([]models.SubscriptionQueueItem, error) {
	var items []models.SubscriptionQueueItem
	if len(queueIDs) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).Where("queue_id IN ?", queueIDs).Order("id ASC").Find(&items).Error
	return items, err
}

func (r *gormRepository) LinkQueueItemsToPaymentIntent(ctx context.Context, queueIDs []string, paymentIntentID string) error {
	if len(queueIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.SubscriptionQueueItem{}).
		Where("queue_id IN ?", queueIDs).
		Update("payment_intent_id", paymentIntentID).Error
}

// ListStuckQueueItems returns rows left in processing by a crashed drain.
func (r *gormRepository) ListStuckQueueItems(ctx context.Context, olderThan time.Time) ([]models.SubscriptionQueueItem, error) {
	var items []models.SubscriptionQueueItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at < ?", models.QueueStatusProcessing, olderThan).
		Order("processed_at ASC, id ASC").
		Find(&items).Error
	return items, err
}
