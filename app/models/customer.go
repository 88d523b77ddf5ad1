package models

import "time"

// Customer links a Stripe customer id to a user email. A user may hold several
// customer ids over time.
type Customer struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CustomerID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"customer_id"`
	UserEmail  string    `gorm:"type:varchar(191);not null;index" json:"user_email"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
