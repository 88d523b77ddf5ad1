package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/env"
)

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

// PeriodPricing holds the Stripe catalogue settings for one billing period.
type PeriodPricing struct {
	ProductID  string
	PriceID    string
	UnitAmount int64
	Currency   string
	Interval   string
}

// DatabaseConfig locates the MySQL database.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// DSN is the go-sql-driver form used by GORM.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL is the golang-migrate form of the same connection.
func (d DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// CacheConfig locates Redis. The cache, drain lock and counters share DB;
// sessions live in SessionDB.
type CacheConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	SessionDB int
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SessionConfig struct {
	CookieName   string
	CookieSecure bool
	Expiration   time.Duration
}

// Config is built once at process start and passed to every component.
// Nothing reads the environment after Load returns.
type Config struct {
	AppHost string
	AppPort string
	AppEnv  string

	Database       DatabaseConfig
	Cache          CacheConfig
	Session        SessionConfig
	MigrationsPath string

	// OpenAPISpecPath is served under /docs/api/v1 when the file exists.
	OpenAPISpecPath string

	PublicDomain       string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	CORSAllowOrigins   string
	AdminAPIKey        string

	StripeSecretKey     string
	StripeWebhookSecret string

	MemberstackSecretKey     string
	MemberstackPlanID        string
	MemberstackRedirectURL   string
	MemberstackWebhookSecret string
	MemberstackAPIBaseURL    string

	Pricing map[string]PeriodPricing

	QueueBatchThreshold int
	QueueImmediateCount int
	QueueMaxAttempts    int
	QueueRetryBase      time.Duration
	QueueDrainInterval  time.Duration
	QueueStuckAfter     time.Duration

	MaxQuantityPerPurchase int
	ProviderCallDelay      time.Duration
	LicenseKeyPrefix       string
}

// Load reads every recognized key and applies defaults. Alias chains are
// resolved here and nowhere else.
func Load() *Config {
	publicDomain := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/")
	currency := strings.ToLower(env.GetEnvFirst("usd", "STRIPE_CURRENCY", "CURRENCY"))
	appEnv := env.GetEnv("APP_ENV", "prod")

	cfg := &Config{
		AppHost: env.GetEnv("APP_HOST", "localhost"),
		AppPort: env.GetEnv("APP_PORT", "4000"),
		AppEnv:  appEnv,

		Database: DatabaseConfig{
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			User:     env.GetEnv("DB_USER", "licensedesk"),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Name:     env.GetEnv("DB_NAME", "licensedesk"),
		},
		Cache: CacheConfig{
			Host:      env.GetEnv("CACHE_HOST", "localhost"),
			Port:      env.GetEnvInt("CACHE_PORT", 6379),
			Password:  env.GetEnv("CACHE_PASSWORD", ""),
			DB:        env.GetEnvInt("CACHE_DB", 0),
			SessionDB: env.GetEnvInt("SESSION_DB", 1),
		},
		Session: SessionConfig{
			CookieName:   env.GetEnv("SESSION_COOKIE_NAME", "licensedesk_session"),
			CookieSecure: env.GetEnvBool("SESSION_COOKIE_SECURE", appEnv != "dev"),
			Expiration:   time.Duration(env.GetEnvInt("SESSION_EXPIRATION_HOURS", 24)) * time.Hour,
		},
		MigrationsPath:  env.GetEnv("MIGRATIONS_PATH", "migrations"),
		OpenAPISpecPath: env.GetEnv("OPENAPI_SPEC_PATH", "docs/openapi.yml"),

		PublicDomain:       publicDomain,
		CheckoutSuccessURL: env.GetEnv("CHECKOUT_SUCCESS_URL", publicDomain+"/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:  env.GetEnv("CHECKOUT_CANCEL_URL", publicDomain+"/dashboard"),
		CORSAllowOrigins:   env.GetEnv("CORS_ALLOW_ORIGINS", "*"),
		AdminAPIKey:        strings.TrimSpace(env.GetEnv("ADMIN_API_KEY", "")),

		StripeSecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),

		MemberstackSecretKey:     strings.TrimSpace(env.GetEnv("MEMBERSTACK_SECRET_KEY", "")),
		MemberstackPlanID:        strings.TrimSpace(env.GetEnv("MEMBERSTACK_PLAN_ID", "")),
		MemberstackRedirectURL:   strings.TrimSpace(env.GetEnv("MEMBERSTACK_REDIRECT_URL", "")),
		MemberstackWebhookSecret: strings.TrimSpace(env.GetEnv("MEMBERSTACK_WEBHOOK_SECRET", "")),
		MemberstackAPIBaseURL:    strings.TrimRight(env.GetEnv("MEMBERSTACK_API_BASE_URL", "https://admin.memberstack.com"), "/"),

		Pricing: map[string]PeriodPricing{
			BillingPeriodMonthly: {
				ProductID:  env.GetEnvFirst("", "STRIPE_MONTHLY_PRODUCT_ID", "MONTHLY_PRODUCT_ID"),
				PriceID:    env.GetEnvFirst("", "STRIPE_MONTHLY_PRICE_ID", "DEFAULT_PRICE_ID"),
				UnitAmount: env.GetEnvInt64First(800, "STRIPE_MONTHLY_UNIT_AMOUNT", "MONTHLY_UNIT_AMOUNT"),
				Currency:   currency,
				Interval:   "month",
			},
			BillingPeriodYearly: {
				ProductID:  env.GetEnvFirst("", "STRIPE_YEARLY_PRODUCT_ID", "YEARLY_PRODUCT_ID"),
				PriceID:    env.GetEnvFirst("", "STRIPE_YEARLY_PRICE_ID", "YEARLY_PRICE_ID"),
				UnitAmount: env.GetEnvInt64First(7200, "STRIPE_YEARLY_UNIT_AMOUNT", "YEARLY_UNIT_AMOUNT"),
				Currency:   currency,
				Interval:   "year",
			},
		},

		QueueBatchThreshold: env.GetEnvInt("QUEUE_BATCH_THRESHOLD", 10),
		QueueImmediateCount: env.GetEnvInt("QUEUE_IMMEDIATE_COUNT", 5),
		QueueMaxAttempts:    env.GetEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueRetryBase:      time.Duration(env.GetEnvInt("QUEUE_RETRY_BASE_MINUTES", 1)) * time.Minute,
		QueueDrainInterval:  time.Duration(env.GetEnvInt("QUEUE_DRAIN_INTERVAL_MINUTES", 0)) * time.Minute,
		QueueStuckAfter:     time.Duration(env.GetEnvInt("QUEUE_STUCK_AFTER_MINUTES", 15)) * time.Minute,

		MaxQuantityPerPurchase: env.GetEnvInt("MAX_QUANTITY_PER_PURCHASE", 50),
		ProviderCallDelay:      time.Duration(env.GetEnvInt("PROVIDER_CALL_DELAY_MS", 100)) * time.Millisecond,
		LicenseKeyPrefix:       strings.ToUpper(env.GetEnv("LICENSE_KEY_PREFIX", "KEY")),
	}
	cfg.normalize()
	return cfg
}

// Default returns a configuration with all defaults and no secrets, used by
// tests and tooling.
func Default() *Config {
	cfg := &Config{
		AppHost: "localhost",
		AppPort: "4000",
		AppEnv:  "dev",

		Database:        DatabaseConfig{Host: "127.0.0.1", Port: "3306", User: "licensedesk", Name: "licensedesk"},
		Cache:           CacheConfig{Host: "localhost", Port: 6379, SessionDB: 1},
		Session:         SessionConfig{CookieName: "licensedesk_session", Expiration: 24 * time.Hour},
		MigrationsPath:  "migrations",
		OpenAPISpecPath: "docs/openapi.yml",

		PublicDomain:          "http://localhost:4000",
		CheckoutSuccessURL:    "http://localhost:4000/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CheckoutCancelURL:     "http://localhost:4000/dashboard",
		CORSAllowOrigins:      "*",
		MemberstackAPIBaseURL: "https://admin.memberstack.com",
		Pricing: map[string]PeriodPricing{
			BillingPeriodMonthly: {UnitAmount: 800, Currency: "usd", Interval: "month"},
			BillingPeriodYearly:  {UnitAmount: 7200, Currency: "usd", Interval: "year"},
		},
		QueueBatchThreshold:    10,
		QueueImmediateCount:    5,
		QueueMaxAttempts:       3,
		QueueRetryBase:         time.Minute,
		QueueStuckAfter:        15 * time.Minute,
		MaxQuantityPerPurchase: 50,
		ProviderCallDelay:      100 * time.Millisecond,
		LicenseKeyPrefix:       "KEY",
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.QueueBatchThreshold <= 0 {
		c.QueueBatchThreshold = 10
	}
	if c.QueueImmediateCount <= 0 || c.QueueImmediateCount > c.QueueBatchThreshold {
		c.QueueImmediateCount = 5
		if c.QueueImmediateCount > c.QueueBatchThreshold {
			c.QueueImmediateCount = c.QueueBatchThreshold
		}
	}
	if c.QueueMaxAttempts <= 0 {
		c.QueueMaxAttempts = 3
	}
	if c.QueueRetryBase <= 0 {
		c.QueueRetryBase = time.Minute
	}
	if c.QueueStuckAfter <= 0 {
		c.QueueStuckAfter = 15 * time.Minute
	}
	if c.MaxQuantityPerPurchase <= 0 {
		c.MaxQuantityPerPurchase = 50
	}
	if c.ProviderCallDelay < 0 {
		c.ProviderCallDelay = 0
	}
	if c.LicenseKeyPrefix == "" {
		c.LicenseKeyPrefix = "KEY"
	}
	if c.Cache.Port <= 0 {
		c.Cache.Port = 6379
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "licensedesk_session"
	}
	if c.Session.Expiration <= 0 {
		c.Session.Expiration = 24 * time.Hour
	}
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

// PricingFor resolves a billing period, defaulting to monthly for unknown input.
func (c *Config) PricingFor(period string) PeriodPricing {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case BillingPeriodYearly, "year", "annual", "yearly_plan":
		return c.Pricing[BillingPeriodYearly]
	default:
		return c.Pricing[BillingPeriodMonthly]
	}
}

// NormalizeBillingPeriod maps interval spellings onto monthly/yearly.
func NormalizeBillingPeriod(period string) string {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case BillingPeriodYearly, "year", "annual":
		return BillingPeriodYearly
	default:
		return BillingPeriodMonthly
	}
}

// MemberstackEnabled reports whether identity-provider sync should run.
func (c *Config) MemberstackEnabled() bool {
	return c.MemberstackSecretKey != ""
}
