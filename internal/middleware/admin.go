package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/autherr"
)

const adminPasswordHeader = "X-Admin-Password"

// RequireAdmin guards the administrator surface with a shared password.
// An empty configured password disables the surface.
func RequireAdmin(password string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		given := c.Get(adminPasswordHeader)
		if password == "" || subtle.ConstantTimeCompare([]byte(given), []byte(password)) != 1 {
			return autherr.ErrAdminUnauthorized
		}
		return c.Next()
	}
}
