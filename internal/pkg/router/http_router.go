package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/ManuelReschke/LicenseDesk/app/controllers"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/middleware"
)

// HttpRouter serves the dashboard API. The session store must be installed
// before these routes receive traffic.
type HttpRouter struct {
	h   *controllers.Controller
	cfg *config.Config
}

func (r HttpRouter) InstallRouter(app *fiber.App) {
	group := app.Group("", cors.New(cors.Config{
		AllowOrigins:     r.cfg.CORSAllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowCredentials: r.cfg.CORSAllowOrigins != "*",
	}), middleware.UserContextMiddleware)

	group.Get("/dashboard", r.h.HandleDashboard)
	group.Post("/add-sites-batch", r.h.HandleAddSitesBatch)
	group.Post("/create-checkout-from-pending", r.h.HandleCreateCheckoutFromPending)
	group.Post("/remove-site", r.h.HandleRemoveSite)
	group.Post("/purchase-quantity", r.h.HandlePurchaseQuantity)
	group.Get("/checkout/success", r.h.HandleCheckoutSuccess)

	group.Get("/licenses", r.h.HandleListLicenses)
	group.Post("/activate-license", r.h.HandleActivateLicense)
	group.Post("/deactivate-license", r.h.HandleDeactivateLicense)
}

func NewHttpRouter(h *controllers.Controller, cfg *config.Config) *HttpRouter {
	return &HttpRouter{h: h, cfg: cfg}
}
