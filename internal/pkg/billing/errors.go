package billing

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrWebhookNotConfigured = errors.New("webhook secret is not configured")
	ErrDuplicateEvent       = errors.New("event already processed")

	ErrCrossTypeItem        = errors.New("subscription purchase type does not accept this item")
	ErrQuantityOutOfRange   = errors.New("quantity out of range")
	ErrNoPendingSites       = errors.New("no pending sites")
	ErrNoCustomer           = errors.New("no billing customer for email")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSiteNotFound         = errors.New("site not found")
	ErrLicenseNotFound      = errors.New("license not found")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrFlexibleBillingMode is returned by the provider when an invoice
	// preview is rejected for subscriptions on the flexible billing mode.
	ErrFlexibleBillingMode = errors.New("invoice preview unsupported for flexible billing mode")
	// ErrProviderUnavailable marks transient provider failures (5xx, 429,
	// network) that may succeed on retry.
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")

	ErrMemberExists   = errors.New("member already exists")
	ErrMemberNotFound = errors.New("member not found")
)
