package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LicenseDesk/app/controllers"
)

// WebhookRouter serves provider callbacks. They carry their own signatures
// and never use sessions or CORS.
type WebhookRouter struct {
	h *controllers.Controller
}

func (r WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhook", r.h.HandleStripeWebhook)
	app.Post("/memberstack-webhook", r.h.HandleMemberstackWebhook)
	app.Get("/health", r.h.HandleHealth)
}

func NewWebhookRouter(h *controllers.Controller) *WebhookRouter {
	return &WebhookRouter{h: h}
}
