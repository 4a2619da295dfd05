package admin

import (
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
)

// Handler exposes the allowlist management endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func emailParam(c *fiber.Ctx) (string, error) {
	email, err := url.PathUnescape(c.Params("email"))
	if err != nil || email == "" {
		return "", autherr.ErrInvalidRequest
	}
	return email, nil
}

func (h *Handler) List(c *fiber.Ctx) error {
	rows, err := h.service.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"identities": rows})
}

func (h *Handler) Add(c *fiber.Ctx) error {
	var req api.AddIdentityRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrInvalidRequest
	}
	row, err := h.service.Add(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(row)
}

func (h *Handler) Update(c *fiber.Ctx) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}
	var req api.UpdateIdentityRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrInvalidRequest
	}
	row, err := h.service.Update(c.UserContext(), email, req)
	if err != nil {
		return err
	}
	return c.JSON(row)
}

func (h *Handler) ResetPIN(c *fiber.Ctx) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}
	row, err := h.service.ResetPIN(c.UserContext(), email)
	if err != nil {
		return err
	}
	return c.JSON(row)
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	email, err := emailParam(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.UserContext(), email); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
