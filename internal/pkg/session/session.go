package session

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

// KeyUserEmail holds the dashboard caller's email after a completed checkout.
const KeyUserEmail = "user_email"

var sessionStore *session.Store

// NewSessionStore creates the Redis-backed store. Sessions share the cache
// server but use their own database.
func NewSessionStore(cfg *config.Config) *session.Store {
	storage := redis.New(redis.Config{
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.SessionDB,
		Reset:    false,
	})

	return UseStore(session.New(session.Config{
		Storage:        storage,
		CookieHTTPOnly: true,
		CookieSecure:   cfg.Session.CookieSecure,
		CookieSameSite: "Lax",
		Expiration:     cfg.Session.Expiration,
		KeyLookup:      "cookie:" + cfg.Session.CookieName,
	}))
}

// UseStore installs store as the process-wide session store. Tests pass an
// in-memory store.
func UseStore(store *session.Store) *session.Store {
	sessionStore = store
	return sessionStore
}

func GetSessionStore() *session.Store {
	return sessionStore
}

// SetSessionValue stores a key-value pair in the caller's session
func SetSessionValue(c *fiber.Ctx, key string, value string) error {
	if sessionStore == nil {
		return fmt.Errorf("session store not initialized")
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	sess.Set(key, value)
	return sess.Save()
}

// GetSessionValue retrieves a value by key from the caller's session
func GetSessionValue(c *fiber.Ctx, key string) string {
	if sessionStore == nil {
		return ""
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return ""
	}

	if strValue, ok := sess.Get(key).(string); ok {
		return strValue
	}
	return ""
}
