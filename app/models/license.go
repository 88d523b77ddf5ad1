package models

import "time"

const (
	LicenseStatusActive   = "active"
	LicenseStatusInactive = "inactive"
)

// License is an opaque activation key. The key is issued once per paid item or
// slot and never regenerated; deactivation only flips Status.
type License struct {
	LicenseKey     string     `gorm:"primaryKey;type:varchar(64)" json:"license_key"`
	CustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"customer_id"`
	UserEmail      string     `gorm:"type:varchar(191);default:'';index" json:"user_email"`
	SubscriptionID string     `gorm:"type:varchar(191);default:'';index" json:"subscription_id"`
	ItemID         string     `gorm:"type:varchar(191);default:'';index" json:"item_id"`
	SiteDomain     string     `gorm:"type:varchar(255);default:''" json:"site_domain"`
	UsedSiteDomain string     `gorm:"type:varchar(255);default:''" json:"used_site_domain"`
	Status         string     `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	PurchaseType   string     `gorm:"type:varchar(16);not null;default:'site'" json:"purchase_type"`
	QueueID        string     `gorm:"type:varchar(64);default:''" json:"queue_id,omitempty"`
	ActivatedAt    *time.Time `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *License) IsActive() bool {
	return l != nil && l.Status == LicenseStatusActive
}
