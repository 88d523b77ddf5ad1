package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/billing"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/session"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/usercontext"
)

type addSitesRequest struct {
	Email string                `json:"email" validate:"omitempty,email"`
	Sites []billing.SiteRequest `json:"sites" validate:"required,min=1,max=50,dive"`
}

type checkoutPendingRequest struct {
	Email          string `json:"email" validate:"omitempty,email"`
	SubscriptionID string `json:"subscription_id" validate:"omitempty,max=191"`
	BillingPeriod  string `json:"billing_period" validate:"omitempty,oneof=monthly yearly month year annual"`
}

type removeSiteRequest struct {
	Email      string `json:"email" validate:"omitempty,email"`
	SiteDomain string `json:"site_domain" validate:"required,max=255"`
}

type purchaseQuantityRequest struct {
	Email         string `json:"email" validate:"omitempty,email"`
	Quantity      int    `json:"quantity" validate:"required,min=1"`
	BillingPeriod string `json:"billing_period" validate:"omitempty,oneof=monthly yearly month year annual"`
}

// callerEmail resolves the account a request acts on: the session email
// wins over the one in the request.
func callerEmail(c *fiber.Ctx, requested string) (string, error) {
	email := usercontext.ResolveEmail(c, requested)
	if email == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "email is required")
	}
	return email, nil
}

func (h *Controller) HandleDashboard(c *fiber.Ctx) error {
	email, err := callerEmail(c, c.Query("email"))
	if err != nil {
		return respondError(c, err)
	}
	d, err := h.svc.Dashboard(c.UserContext(), email)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}

// HandleAddSitesBatch stages sites for a later checkout.
func (h *Controller) HandleAddSitesBatch(c *fiber.Ctx) error {
	var req addSitesRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	email, err := callerEmail(c, req.Email)
	if err != nil {
		return respondError(c, err)
	}
	added, err := h.svc.StagePendingSites(c.UserContext(), email, req.Sites)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "staged": added})
}

func (h *Controller) HandleCreateCheckoutFromPending(c *fiber.Ctx) error {
	var req checkoutPendingRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	email, err := callerEmail(c, req.Email)
	if err != nil {
		return respondError(c, err)
	}
	res, err := h.svc.CheckoutPendingSites(c.UserContext(), email, req.SubscriptionID, req.BillingPeriod)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *Controller) HandleRemoveSite(c *fiber.Ctx) error {
	var req removeSiteRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	email, err := callerEmail(c, req.Email)
	if err != nil {
		return respondError(c, err)
	}
	site, err := h.svc.RemoveSite(c.UserContext(), email, req.SiteDomain)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "site": site})
}

func (h *Controller) HandlePurchaseQuantity(c *fiber.Ctx) error {
	var req purchaseQuantityRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	email, err := callerEmail(c, req.Email)
	if err != nil {
		return respondError(c, err)
	}
	res, err := h.svc.PurchaseQuantity(c.UserContext(), email, req.Quantity, req.BillingPeriod)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// HandleCheckoutSuccess binds the buyer's email to the caller's session so
// the dashboard no longer needs it as a parameter.
func (h *Controller) HandleCheckoutSuccess(c *fiber.Ctx) error {
	email, err := h.svc.CheckoutEmail(c.UserContext(), c.Query("session_id"))
	if err != nil {
		return respondError(c, err)
	}
	if err := session.SetSessionValue(c, session.KeyUserEmail, email); err != nil {
		log.Warnf("[API] Could not store session email: %v", err)
	}
	return c.JSON(fiber.Map{"ok": true, "email": email})
}
