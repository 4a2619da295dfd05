package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
)

// Handler exposes caller token endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Anonymous issues a fresh caller token with no identity attached.
func (h *Handler) Anonymous(c *fiber.Ctx) error {
	issued, err := h.svc.IssueAnonymous(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(api.AnonymousTokenResponse{
		Token:     issued.Token,
		ExpiresIn: int64(time.Until(issued.ExpiresAt).Seconds()),
	})
}

// Logout revokes the bearer token. Always succeeds.
func (h *Handler) Logout(c *fiber.Ctx) error {
	if err := h.svc.Revoke(c.UserContext(), BearerToken(c)); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(c *fiber.Ctx) string {
	authz := c.Get(fiber.HeaderAuthorization)
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}
