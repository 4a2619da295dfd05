package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/auth"
)

// RegisterAuthRoutes wires caller token endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler) {
	group := r.Group("/auth")
	group.Post("/anonymous", h.Anonymous)
	group.Post("/logout", h.Logout)
}
