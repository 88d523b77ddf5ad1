package models

import "time"

const (
	RefundStatusSucceeded = "succeeded"
	RefundStatusPending   = "pending"
	RefundStatusFailed    = "failed"
)

const RefundReasonQueueExhausted = "queue_retry_exhausted"

// Refund records money returned to the customer, either by queue exhaustion or
// by an admin. RefundID stays null when the provider call itself failed.
type Refund struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RefundID        *string   `gorm:"type:varchar(191);uniqueIndex" json:"refund_id,omitempty"`
	PaymentIntentID string    `gorm:"type:varchar(191);default:'';index" json:"payment_intent_id"`
	Amount          int64     `gorm:"not null;default:0" json:"amount"`
	Currency        string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Reason          string    `gorm:"type:varchar(64);default:''" json:"reason"`
	Status          string    `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	QueueID         string    `gorm:"type:varchar(64);default:'';index" json:"queue_id,omitempty"`
	LicenseKey      string    `gorm:"type:varchar(64);default:''" json:"license_key,omitempty"`
	Attempts        int       `gorm:"default:0" json:"attempts"`
	ErrorMsg        string    `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
