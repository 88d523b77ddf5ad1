package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/LicenseDesk/app/controllers"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/billing"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/cache"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/database"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/env"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/jobqueue"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/router"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/session"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/statistics"
)

func main() {
	env.SetupEnvFile()
	cfg := config.Load()
	app, manager := NewApplication(cfg)

	if manager.Enabled() {
		manager.Start()
	}

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
			log.Fatalf("[Server] Listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down...")
	manager.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Server] Shutdown failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		log.Warnf("[Server] Closing cache failed: %v", err)
	}
	log.Info("[Server] Stopped")
}

// NewApplication wires configuration, storage, the billing service and the
// HTTP routes.
func NewApplication(cfg *config.Config) (*fiber.App, *jobqueue.Manager) {
	if cfg.StripeSecretKey == "" {
		log.Warn("[Server] STRIPE_SECRET_KEY is not set; provider calls will fail")
	}

	db := database.SetupDatabase(cfg)
	cache.SetupCache(cfg.Cache)
	session.NewSessionStore(cfg)

	svc := billing.NewServiceFromDB(cfg, db)
	stats := statistics.NewCache(cache.GetClient(), statistics.CountFromDB(db))
	health := map[string]controllers.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"cache": func(ctx context.Context) error {
			return cache.GetClient().Ping(ctx).Err()
		},
	}

	app := fiber.New(fiber.Config{
		AppName:   "LicenseDesk",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	h := controllers.New(svc, cfg, stats, health)
	h.SetEventCounter(counter.NewWebhookCounter(cache.GetClient()))
	router.InstallRouter(app, h, cfg)

	return app, jobqueue.NewManager(svc, cache.GetClient(), cfg)
}
