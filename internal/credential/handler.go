package credential

import (
	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/middleware"
)

// Handler exposes the PIN endpoint.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Submit handles {email, pin, action}.
func (h *Handler) Submit(c *fiber.Ctx) error {
	sess, ok := middleware.Session(c)
	if !ok {
		return autherr.ErrInvalidToken
	}
	var req api.CredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrInvalidRequest
	}
	resp, err := h.service.Submit(c.UserContext(), sess, req)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}
