package identity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/changefeed"
	"github.com/diegous2023/gestorgastos/internal/middleware"
)

const defaultHeartbeat = 15 * time.Second

// Handler exposes identity endpoints.
type Handler struct {
	service   *Service
	broker    changefeed.Broker
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service, broker changefeed.Broker, logger *slog.Logger) *Handler {
	return &Handler{service: service, broker: broker, logger: logger, heartbeat: defaultHeartbeat}
}

// Authorize binds the claimed email to the caller's session.
func (h *Handler) Authorize(c *fiber.Ctx) error {
	sess, ok := middleware.Session(c)
	if !ok {
		return autherr.ErrInvalidToken
	}
	var req api.AuthorizeRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrInvalidRequest
	}
	resp, err := h.service.Authorize(c.UserContext(), sess.ID, req.Email)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Revision returns the current revision of the caller's row.
func (h *Handler) Revision(c *fiber.Ctx) error {
	sess, _ := middleware.Session(c)
	resp, err := h.service.Revision(c.UserContext(), sess)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// Changes streams change events for the caller's row as Server-Sent Events.
// The subscription is confirmed before the response starts, so any write
// after the client sees the stream open is delivered.
func (h *Handler) Changes(c *fiber.Ctx) error {
	sess, _ := middleware.Session(c)
	if !sess.Bound() {
		return autherr.ErrNoPendingIdentity
	}
	sub, err := h.broker.Subscribe(c.UserContext(), sess.Email)
	if err != nil {
		return fmt.Errorf("subscribe changes: %w", err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	email := sess.Email
	self := changefeed.OriginTag(sess.ID)
	logger := h.logger
	heartbeat := h.heartbeat
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		if _, err := w.WriteString(": connected\n\n"); err != nil || w.Flush() != nil {
			return
		}
		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				// The session's own writes are already reflected in the
				// revision returned to it.
				if event.Origin == self {
					continue
				}
				if err := writeEvent(w, event); err != nil {
					if logger != nil {
						logger.Debug("change stream closed", slog.String("email", email), slog.Any("error", err))
					}
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, event api.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
