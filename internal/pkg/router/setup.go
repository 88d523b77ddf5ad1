package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LicenseDesk/app/controllers"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all routes. Webhooks go first so they are answered
// before the session middleware of the dashboard routes runs.
func InstallRouter(app *fiber.App, h *controllers.Controller, cfg *config.Config) {
	setup(app,
		NewWebhookRouter(h),
		NewDocsRouter(cfg.OpenAPISpecPath),
		NewApiRouter(h, cfg),
		NewHttpRouter(h, cfg),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
