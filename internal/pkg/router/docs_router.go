package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// DocsRouter serves the OpenAPI document and its UI under /docs/api/v1.
type DocsRouter struct {
	specPath string
}

func (r DocsRouter) InstallRouter(app *fiber.App) {
	// swagger.New panics on a missing file.
	if _, err := os.Stat(r.specPath); err != nil {
		log.Warnf("[Docs] OpenAPI document %q not found, /docs/api/v1 disabled", r.specPath)
		return
	}

	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: r.specPath,
		Path:     "v1",
		Title:    "LicenseDesk API",
	}
	app.Use(swagger.New(openAPICfg))
}

func NewDocsRouter(specPath string) *DocsRouter {
	return &DocsRouter{specPath: specPath}
}
