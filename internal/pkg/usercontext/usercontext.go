package usercontext

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CallerContext describes who is calling the dashboard API. The email comes
// from the session written after a completed checkout.
type CallerContext struct {
	Email       string `json:"email"`
	FromSession bool   `json:"from_session"`
	IsAdmin     bool   `json:"is_admin"`
}

// GetCallerContext returns the caller context, or an anonymous one if none
// was set.
func GetCallerContext(c *fiber.Ctx) CallerContext {
	if ctx, ok := c.Locals(KeyCallerContext).(CallerContext); ok {
		return ctx
	}
	return CallerContext{}
}

// ResolveEmail prefers the session email over an explicit request value.
func ResolveEmail(c *fiber.Ctx, requested string) string {
	if email := GetCallerContext(c).Email; email != "" {
		return email
	}
	return strings.ToLower(strings.TrimSpace(requested))
}

func IsAdmin(c *fiber.Ctx) bool {
	if b, ok := c.Locals(KeyIsAdmin).(bool); ok {
		return b
	}
	return GetCallerContext(c).IsAdmin
}
