package models

import (
	"fmt"
	"time"
)

// QueueStatus is the lifecycle state of a deferred subscription-item creation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// queueTransitions lists every allowed edge. processing -> pending is the
// scheduled retry (and the stuck sweep); pending -> failed is used when the
// checkout that funded the row expires unpaid.
var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusPending:    {QueueStatusProcessing, QueueStatusFailed},
	QueueStatusProcessing: {QueueStatusCompleted, QueueStatusFailed, QueueStatusPending},
}

// QueueTransition returns an error unless from -> to is an allowed edge.
// Completed and failed are terminal.
func QueueTransition(from, to QueueStatus) error {
	for _, next := range queueTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("queue: illegal transition %s -> %s", from, to)
}

// IsTerminal reports whether no further transitions are possible.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// SubscriptionQueueItem is one license slot whose subscription item is created
// asynchronously by the queue drain.
type SubscriptionQueueItem struct {
	ID              uint        `gorm:"primaryKey" json:"-"`
	QueueID         string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"queue_id"`
	CustomerID      string      `gorm:"type:varchar(191);not null;default:''" json:"customer_id"`
	UserEmail       string      `gorm:"type:varchar(191);not null;default:''" json:"user_email"`
	SubscriptionID  string      `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_id"`
	ItemID          string      `gorm:"type:varchar(191);default:''" json:"item_id,omitempty"`
	PriceID         string      `gorm:"type:varchar(191);not null;default:''" json:"price_id"`
	ProductID       string      `gorm:"type:varchar(191);not null;default:''" json:"product_id"`
	Interval        string      `gorm:"type:varchar(16);not null;default:'month'" json:"interval"`
	LicenseKey      string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"license_key"`
	Quantity        int64       `gorm:"not null;default:1" json:"quantity"`
	UnitAmount      int64       `gorm:"not null;default:0" json:"unit_amount"`
	ChargedAmount   int64       `gorm:"not null;default:0" json:"charged_amount"`
	Currency        string      `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	PaymentIntentID string      `gorm:"type:varchar(191);default:'';index" json:"payment_intent_id"`
	Status          QueueStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_queue_status_retry,priority:1" json:"status"`
	Attempts        int         `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt     *time.Time  `gorm:"type:timestamp;default:null;index:idx_queue_status_retry,priority:2" json:"next_retry_at,omitempty"`
	LastError       string      `gorm:"type:text" json:"last_error,omitempty"`
	ProcessedAt     *time.Time  `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDue reports whether a pending row may be claimed at now.
func (q *SubscriptionQueueItem) IsDue(now time.Time) bool {
	return q.Status == QueueStatusPending && (q.NextRetryAt == nil || !q.NextRetryAt.After(now))
}

func (q *SubscriptionQueueItem) MarkAsProcessing(now time.Time) error {
	if err := QueueTransition(q.Status, QueueStatusProcessing); err != nil {
		return err
	}
	q.Status = QueueStatusProcessing
	q.ProcessedAt = &now
	return nil
}

func (q *SubscriptionQueueItem) MarkAsCompleted(subscriptionID, itemID string) error {
	if err := QueueTransition(q.Status, QueueStatusCompleted); err != nil {
		return err
	}
	q.Status = QueueStatusCompleted
	q.SubscriptionID = subscriptionID
	q.ItemID = itemID
	q.LastError = ""
	q.NextRetryAt = nil
	return nil
}

// MarkAttemptFailed records a failed attempt. Below maxAttempts the row goes
// back to pending with next_retry_at = now + base*2^attempts; otherwise it
// becomes failed. The returned bool is true when the row is now terminal.
func (q *SubscriptionQueueItem) MarkAttemptFailed(errMsg string, now time.Time, maxAttempts int, base time.Duration) (bool, error) {
	q.Attempts++
	q.LastError = errMsg
	if q.Attempts >= maxAttempts {
		if err := QueueTransition(q.Status, QueueStatusFailed); err != nil {
			return false, err
		}
		q.Status = QueueStatusFailed
		q.NextRetryAt = nil
		return true, nil
	}
	if err := QueueTransition(q.Status, QueueStatusPending); err != nil {
		return false, err
	}
	next := now.Add(RetryDelay(base, q.Attempts))
	q.Status = QueueStatusPending
	q.NextRetryAt = &next
	return false, nil
}

// MarkAsCanceled fails a row that was never paid for.
func (q *SubscriptionQueueItem) MarkAsCanceled(reason string) error {
	if err := QueueTransition(q.Status, QueueStatusFailed); err != nil {
		return err
	}
	q.Status = QueueStatusFailed
	q.LastError = reason
	q.NextRetryAt = nil
	return nil
}

// RetryDelay is base * 2^attempts.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return base * time.Duration(int64(1)<<uint(attempts))
}
