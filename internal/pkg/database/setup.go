package database

import (
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// AllModels lists every table owned by the billing backend in creation order.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Customer{},
		&models.Subscription{},
		&models.SubscriptionItem{},
		&models.Site{},
		&models.PendingSite{},
		&models.License{},
		&models.Payment{},
		&models.Refund{},
		&models.IdempotencyKey{},
		&models.SubscriptionQueueItem{},
	}
}

// SetupDatabase connects with retries and migrates the schema. It panics when
// the database stays unreachable.
func SetupDatabase(cfg *config.Config) *gorm.DB {
	var err error
	logLevel := gormlogger.Warn
	if cfg.IsDev() {
		logLevel = gormlogger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.Database.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			Logger: gormlogger.Default.LogMode(logLevel),
		})
		if err == nil {
			if err = DB.AutoMigrate(AllModels()...); err != nil {
				log.Errorf("[Database] AutoMigrate failed: %v", err)
				panic(err)
			}
			log.Info("[Database] Connected and migrated")
			return DB
		}

		log.Warnf("[Database] Failed to connect to %s:%s (try %d/%d): %v", cfg.Database.Host, cfg.Database.Port, i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}

func GetDB() *gorm.DB {
	return DB
}
