package controllers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/billing"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/metrics/counter"
)

// HandleStripeWebhook verifies and dispatches a Stripe event. A processing
// error answers 500 so Stripe redelivers the event.
func (h *Controller) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)

	evt, err := billing.VerifyStripeEvent(payload, c.Get("Stripe-Signature"), h.cfg.StripeWebhookSecret)
	if err != nil {
		if errors.Is(err, billing.ErrWebhookNotConfigured) {
			log.Error("[Webhook] STRIPE_WEBHOOK_SECRET is not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_not_configured"})
		}
		log.Warnf("[Webhook] Rejected event: %v", err)
		h.countEvent(c.UserContext(), "unverified", counter.OutcomeRejected)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	res, err := h.svc.HandleStripeEvent(c.UserContext(), evt)
	if err != nil {
		h.countEvent(c.UserContext(), evt.Type, counter.OutcomeFailed)
		if errors.Is(err, billing.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed", "event_id": evt.ID})
	}

	outcome := counter.OutcomeProcessed
	switch {
	case res.Duplicate:
		outcome = counter.OutcomeDuplicate
	case res.Ignored:
		outcome = counter.OutcomeIgnored
	}
	h.countEvent(c.UserContext(), evt.Type, outcome)

	return c.JSON(fiber.Map{
		"ok":        true,
		"duplicate": res.Duplicate,
		"ignored":   res.Ignored,
		"handler":   res.Handler,
		"event_id":  res.EventID,
	})
}

type memberstackEnvelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Type  string `json:"type"`
}

// HandleMemberstackWebhook records a Memberstack event. When a secret is
// configured the body must carry a valid HMAC signature.
func (h *Controller) HandleMemberstackWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)

	if secret := h.cfg.MemberstackWebhookSecret; secret != "" {
		if !billing.VerifyMemberstackSignature(payload, c.Get("X-Memberstack-Signature"), secret) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
	}

	var envelope memberstackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid JSON"})
	}
	eventType := strings.TrimSpace(envelope.Event)
	if eventType == "" {
		eventType = strings.TrimSpace(envelope.Type)
	}
	eventID := strings.TrimSpace(envelope.ID)
	if eventID == "" {
		eventID = strings.TrimSpace(c.Get("X-Memberstack-Event-Id"))
	}
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = hex.EncodeToString(sum[:])
	}

	created, err := h.svc.RecordMemberstackEvent(c.UserContext(), eventID, eventType, payload)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "duplicate": !created})
}
