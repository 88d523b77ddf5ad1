package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

type processQueueRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=100"`
}

type resetStuckRequest struct {
	OlderThanMinutes int `json:"older_than_minutes" validate:"omitempty,min=1"`
}

// HandleProcessQueue drains one batch of due queue rows.
func (h *Controller) HandleProcessQueue(c *fiber.Ctx) error {
	var req processQueueRequest
	if len(c.Body()) > 0 {
		if err := h.parseRequest(c, &req); err != nil {
			return respondError(c, err)
		}
	}
	res, err := h.svc.ProcessQueue(c.UserContext(), req.Limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"processed":    res.Processed,
		"successCount": res.SuccessCount,
		"failCount":    res.FailCount,
		"refunded":     res.Refunded,
	})
}

func (h *Controller) HandleQueueStatus(c *fiber.Ctx) error {
	pi := strings.TrimSpace(c.Query("payment_intent_id"))
	if pi == "" {
		return respondError(c, fiber.NewError(fiber.StatusBadRequest, "payment_intent_id is required"))
	}
	summary, err := h.svc.QueueStatus(c.UserContext(), pi)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

// HandleResetStuckQueue moves rows stuck in processing back to pending.
func (h *Controller) HandleResetStuckQueue(c *fiber.Ctx) error {
	var req resetStuckRequest
	if len(c.Body()) > 0 {
		if err := h.parseRequest(c, &req); err != nil {
			return respondError(c, err)
		}
	}
	n, err := h.svc.ResetStuckQueueItems(c.UserContext(), time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "reset": n})
}

func (h *Controller) HandleStats(c *fiber.Ctx) error {
	if h.stats == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	stats, err := h.stats.Get(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// HandleWebhookEvents returns delivery counts per event type and outcome.
func (h *Controller) HandleWebhookEvents(c *fiber.Ctx) error {
	if h.events == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
	}
	counts, err := h.events.Snapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"events": counts})
}

// HandleHealth runs every registered check with a short timeout. Any failing
// dependency turns the answer into 503.
func (h *Controller) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	checks := fiber.Map{}
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": checks, "time": time.Now().UTC()})
}
