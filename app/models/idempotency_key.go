package models

import "time"

// IdempotencyKey marks a webhook event or operation id as seen. The unique
// index on OperationID is the deduplication guard: an insert conflict means the
// id was already processed.
type IdempotencyKey struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	OperationID     string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"operation_id"`
	Source          string     `gorm:"type:varchar(20);not null;default:'stripe';index" json:"source"`
	EventType       string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext" json:"payload_json"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
