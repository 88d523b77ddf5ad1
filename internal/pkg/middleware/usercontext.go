package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/session"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/usercontext"
)

// UserContextMiddleware loads the caller's session email into Locals. A
// missing or broken session leaves the caller anonymous.
func UserContextMiddleware(c *fiber.Ctx) error {
	email := session.GetSessionValue(c, session.KeyUserEmail)
	c.Locals(usercontext.KeyCallerContext, usercontext.CallerContext{
		Email:       email,
		FromSession: email != "",
	})
	c.Locals(usercontext.KeyUserEmail, email)
	return c.Next()
}
