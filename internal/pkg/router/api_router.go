package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/LicenseDesk/app/controllers"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/middleware"
)

// ApiRouter serves the admin endpoints behind ADMIN_API_KEY.
type ApiRouter struct {
	h   *controllers.Controller
	cfg *config.Config
}

func (r ApiRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("", limiter.New(limiter.Config{
		Max:        30,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return !isAdminPath(c.Path())
		},
	}))

	guard := middleware.AdminAPIKeyMiddleware(r.cfg.AdminAPIKey)
	admin.Post("/process-queue", guard, r.h.HandleProcessQueue)
	admin.Get("/queue-status", guard, r.h.HandleQueueStatus)
	admin.Post("/reset-stuck-queue", guard, r.h.HandleResetStuckQueue)
	admin.Get("/admin/stats", guard, r.h.HandleStats)
	admin.Get("/admin/webhook-events", guard, r.h.HandleWebhookEvents)
}

func isAdminPath(path string) bool {
	switch path {
	case "/process-queue", "/queue-status", "/reset-stuck-queue", "/admin/stats", "/admin/webhook-events":
		return true
	default:
		return false
	}
}

func NewApiRouter(h *controllers.Controller, cfg *config.Config) *ApiRouter {
	return &ApiRouter{h: h, cfg: cfg}
}
