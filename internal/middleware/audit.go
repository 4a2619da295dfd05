package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/autherr"
)

// Audit logs one line per request. Errors reach it before ErrorHandler
// renders them, so the status is derived from the error. Expected denials
// are logged at info, server faults at error. Bound sessions add the email.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = errorStatus(err)
		}
		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if reqID := RequestIDFrom(c); reqID != "" {
			attrs = append(attrs, slog.String("request_id", reqID))
		}
		if sess, ok := Session(c); ok && sess.Bound() {
			attrs = append(attrs, slog.String("email", sess.Email))
		}

		switch {
		case err == nil:
			logger.Info("request completed", attrs...)
		case status >= fiber.StatusInternalServerError:
			logger.Error("request failed", append(attrs, slog.Any("error", err))...)
		default:
			logger.Info("request rejected", append(attrs, slog.String("code", autherr.Code(err)))...)
		}
		return err
	}
}

func errorStatus(err error) int {
	if e, ok := autherr.As(err); ok {
		return e.Status
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}
