package models

import "time"

const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusRefunded  = "refunded"
)

// Payment records one successful charge. Rows are written once per checkout or
// invoice success event.
type Payment struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CustomerID      string    `gorm:"type:varchar(191);default:'';index" json:"customer_id"`
	SubscriptionID  string    `gorm:"type:varchar(191);default:'';index" json:"subscription_id"`
	UserEmail       string    `gorm:"type:varchar(191);default:'';index" json:"email"`
	Amount          int64     `gorm:"not null;default:0" json:"amount"`
	Currency        string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Status          string    `gorm:"type:varchar(16);not null;default:'succeeded'" json:"status"`
	SiteDomain      string    `gorm:"type:varchar(255);default:''" json:"site_domain"`
	PaymentIntentID string    `gorm:"type:varchar(191);default:'';index" json:"payment_intent_id"`
	InvoiceID       string    `gorm:"type:varchar(191);default:'';index" json:"invoice_id"`
	StripeEventID   string    `gorm:"type:varchar(191);default:'';index" json:"stripe_event_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
