package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/admin"
	"github.com/diegous2023/gestorgastos/internal/credential"
	"github.com/diegous2023/gestorgastos/internal/identity"
	"github.com/diegous2023/gestorgastos/internal/middleware"
)

// RegisterIdentityRoutes wires authorization, the revision probe and the change stream.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler, caller, rateLimiter fiber.Handler) {
	group := r.Group("/identity")
	group.Post("/authorize", rateLimiter, caller, h.Authorize)
	group.Get("/revision", caller, middleware.RequireBound(), h.Revision)
	group.Get("/changes", caller, middleware.RequireBound(), h.Changes)
}

// RegisterCredentialRoutes wires the PIN endpoint. The caller must run
// before idempotency so replay keys are scoped to the session.
func RegisterCredentialRoutes(r fiber.Router, h *credential.Handler, caller, rateLimiter, idempotency fiber.Handler) {
	r.Post("/identity/pin", rateLimiter, caller, idempotency, h.Submit)
}

// RegisterAdminRoutes wires allowlist management behind guard.
func RegisterAdminRoutes(r fiber.Router, h *admin.Handler, guard fiber.Handler) {
	group := r.Group("/admin/identities", guard)
	group.Get("/", h.List)
	group.Post("/", h.Add)
	group.Patch("/:email", h.Update)
	group.Delete("/:email/pin", h.ResetPIN)
	group.Delete("/:email", h.Delete)
}
