package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/billing"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/statistics"
)

// BillingAPI is the part of billing.Service the HTTP layer calls.
type BillingAPI interface {
	HandleStripeEvent(ctx context.Context, evt *billing.InboundEvent) (*billing.WebhookResult, error)
	RecordMemberstackEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)

	Dashboard(ctx context.Context, email string) (*billing.Dashboard, error)
	StagePendingSites(ctx context.Context, email string, sites []billing.SiteRequest) (int64, error)
	CheckoutPendingSites(ctx context.Context, email, subscriptionID, billingPeriod string) (*billing.PendingCheckoutResult, error)
	RemoveSite(ctx context.Context, email, domain string) (*models.Site, error)
	PurchaseQuantity(ctx context.Context, email string, n int, billingPeriod string) (*billing.QuantityPurchaseResult, error)
	CheckoutEmail(ctx context.Context, sessionID string) (string, error)

	ListLicenses(ctx context.Context, email string) ([]models.License, error)
	ActivateLicense(ctx context.Context, key, site string, adjustQuantity bool) (*models.License, error)
	DeactivateLicense(ctx context.Context, key string, adjustQuantity bool) (*models.License, error)

	ProcessQueue(ctx context.Context, limit int) (*billing.QueueRunResult, error)
	QueueStatus(ctx context.Context, paymentIntentID string) (*billing.QueueSummary, error)
	ResetStuckQueueItems(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StatsSource serves the admin overview.
type StatsSource interface {
	Get(ctx context.Context) (*statistics.BillingStats, error)
}

// EventCounter tallies webhook deliveries by type and outcome.
type EventCounter interface {
	Add(ctx context.Context, eventType, outcome string) error
	Snapshot(ctx context.Context) (map[string]map[string]int64, error)
}

// HealthCheck reports one dependency's state for /health.
type HealthCheck func(ctx context.Context) error

// Controller holds the HTTP handlers.
type Controller struct {
	svc      BillingAPI
	cfg      *config.Config
	stats    StatsSource
	health   map[string]HealthCheck
	events   EventCounter
	validate *validator.Validate
}

// New builds the handlers. stats and health may be nil.
func New(svc BillingAPI, cfg *config.Config, stats StatsSource, health map[string]HealthCheck) *Controller {
	return &Controller{
		svc:      svc,
		cfg:      cfg,
		stats:    stats,
		health:   health,
		validate: validator.New(),
	}
}

// SetEventCounter enables webhook delivery counters.
func (h *Controller) SetEventCounter(events EventCounter) {
	h.events = events
}

// countEvent never fails the request; a counter outage only costs a tally.
func (h *Controller) countEvent(ctx context.Context, eventType, outcome string) {
	if h.events == nil {
		return
	}
	if err := h.events.Add(ctx, eventType, outcome); err != nil {
		log.Debugf("[Webhook] Counter update failed: %v", err)
	}
}

// parseRequest decodes and validates a JSON body. Any failure is answered
// with 400 before the handler touches state.
func (h *Controller) parseRequest(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid field: "+verrs[0].Field())
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// statusFor maps billing errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, billing.ErrInvalidInput),
		errors.Is(err, billing.ErrQuantityOutOfRange),
		errors.Is(err, billing.ErrNoPendingSites),
		errors.Is(err, billing.ErrInvalidSignature):
		return fiber.StatusBadRequest
	case errors.Is(err, billing.ErrCrossTypeItem):
		return fiber.StatusConflict
	case errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrSiteNotFound),
		errors.Is(err, billing.ErrLicenseNotFound),
		errors.Is(err, billing.ErrNoCustomer):
		return fiber.StatusNotFound
	case errors.Is(err, billing.ErrProviderUnavailable):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusBadGateway:
		return "provider_unavailable"
	default:
		return "internal_server_error"
	}
}

// respondError writes the JSON error envelope. Server-side failures are
// logged and their details withheld from the caller.
func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		msg = "request failed"
	}
	return c.Status(status).JSON(fiber.Map{"error": errorCode(status), "message": msg})
}
