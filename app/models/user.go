package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// User is an account identified by email. Rows are created on the first
// successful payment and are never hard-deleted.
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Email         string    `gorm:"uniqueIndex;type:varchar(191);not null" json:"email" validate:"required,email,max=191"`
	MemberstackID string    `gorm:"type:varchar(100);default:null" json:"memberstack_id,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NormalizeEmail lowercases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
