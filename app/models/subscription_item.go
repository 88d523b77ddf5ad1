package models

import "time"

const (
	ItemStatusActive   = "active"
	ItemStatusInactive = "inactive"
	ItemStatusRemoved  = "removed"
)

// SubscriptionItem is one billable line of a subscription. SiteDomain is empty
// for quantity slots.
type SubscriptionItem struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ItemID         string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"item_id"`
	SubscriptionID string    `gorm:"type:varchar(191);not null;index" json:"subscription_id"`
	SiteDomain     string    `gorm:"type:varchar(255);default:null;index" json:"site_domain,omitempty"`
	PriceID        string    `gorm:"type:varchar(191);default:''" json:"price_id"`
	Quantity       int64     `gorm:"not null;default:1" json:"quantity"`
	Status         string    `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	PurchaseType   string    `gorm:"type:varchar(16);not null;default:'site'" json:"purchase_type"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
