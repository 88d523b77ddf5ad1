package controllers

import (
	"github.com/gofiber/fiber/v2"
)

type activateLicenseRequest struct {
	LicenseKey     string `json:"license_key" validate:"required,max=64"`
	SiteDomain     string `json:"site_domain" validate:"required,max=255"`
	AdjustQuantity bool   `json:"adjust_quantity"`
}

type deactivateLicenseRequest struct {
	LicenseKey     string `json:"license_key" validate:"required,max=64"`
	AdjustQuantity bool   `json:"adjust_quantity"`
}

func (h *Controller) HandleListLicenses(c *fiber.Ctx) error {
	email, err := callerEmail(c, c.Query("email"))
	if err != nil {
		return respondError(c, err)
	}
	licenses, err := h.svc.ListLicenses(c.UserContext(), email)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"email": email, "licenses": licenses})
}

// HandleActivateLicense binds a license to a site. An inactive license is
// reactivated; with adjust_quantity its billed slot is restored.
func (h *Controller) HandleActivateLicense(c *fiber.Ctx) error {
	var req activateLicenseRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	l, err := h.svc.ActivateLicense(c.UserContext(), req.LicenseKey, req.SiteDomain, req.AdjustQuantity)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "license": l})
}

// HandleDeactivateLicense frees a license. With adjust_quantity the billed
// quantity is reduced as well.
func (h *Controller) HandleDeactivateLicense(c *fiber.Ctx) error {
	var req deactivateLicenseRequest
	if err := h.parseRequest(c, &req); err != nil {
		return respondError(c, err)
	}
	l, err := h.svc.DeactivateLicense(c.UserContext(), req.LicenseKey, req.AdjustQuantity)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "license": l})
}
