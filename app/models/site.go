package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	SiteStatusActive   = "active"
	SiteStatusInactive = "inactive"
)

// Site is the dashboard view of a paid site domain.
type Site struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserEmail      string     `gorm:"type:varchar(191);not null;index:ux_sites_email_domain,unique,priority:1" json:"user_email"`
	SiteDomain     string     `gorm:"type:varchar(255);not null;index:ux_sites_email_domain,unique,priority:2" json:"site_domain"`
	SubscriptionID string     `gorm:"type:varchar(191);default:''" json:"subscription_id"`
	ItemID         string     `gorm:"type:varchar(191);default:''" json:"item_id"`
	PriceID        string     `gorm:"type:varchar(191);default:''" json:"price_id"`
	AmountPaid     int64      `gorm:"default:0" json:"amount_paid"`
	Currency       string     `gorm:"type:varchar(8);default:'usd'" json:"currency"`
	Status         string     `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	RenewalDate    *time.Time `gorm:"type:timestamp;default:null" json:"renewal_date,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PendingSite is a site staged by the user that has not been paid yet. The row
// is deleted once it becomes a subscription item.
type PendingSite struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserEmail  string    `gorm:"type:varchar(191);not null;index:ux_pending_sites_email_domain,unique,priority:1" json:"user_email" validate:"required,email"`
	SiteDomain string    `gorm:"type:varchar(255);not null;index:ux_pending_sites_email_domain,unique,priority:2" json:"site_domain" validate:"required,fqdn|hostname,max=255"`
	PriceID    string    `gorm:"type:varchar(191);default:''" json:"price_id,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (p *PendingSite) Validate() error {
	v := validator.New()
	return v.Struct(p)
}
