package models

import "time"

const (
	PurchaseTypeSite     = "site"
	PurchaseTypeQuantity = "quantity"
)

const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusPaused            = "paused"
)

// Subscription mirrors a Stripe subscription. It is soft-ended through Status
// and never deleted. PurchaseType copies the `purchase_type` metadata tag.
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID     string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"subscription_id"`
	CustomerID         string     `gorm:"type:varchar(191);not null;index" json:"customer_id"`
	UserEmail          string     `gorm:"type:varchar(191);not null;index:idx_subscriptions_email_type,priority:1" json:"user_email"`
	Status             string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	PurchaseType       string     `gorm:"type:varchar(16);not null;default:'site';index:idx_subscriptions_email_type,priority:2" json:"purchase_type"`
	BillingPeriod      string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_period"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CancelAt           *time.Time `gorm:"type:timestamp;default:null" json:"cancel_at,omitempty"`
	CanceledAt         *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsQuantity reports whether the subscription only accepts license slots.
func (s *Subscription) IsQuantity() bool {
	return s != nil && s.PurchaseType == PurchaseTypeQuantity
}

// IsLive reports whether new items may still be attached.
func (s *Subscription) IsLive() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
