package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
)

// ErrorHandler renders every failure as an api.ErrorResponse. Taxonomy
// errors keep their status and code; Fiber errors keep their status; anything
// else is logged and reported as an internal error.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := autherr.As(err); ok {
			return c.Status(e.Status).JSON(api.ErrorResponse{Error: e.Message, Code: e.Code})
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(api.ErrorResponse{Error: fe.Message, Code: fiberCode(fe.Code)})
		}

		if logger != nil {
			logger.Error("unhandled error", slog.String("path", c.Path()), slog.String("request_id", RequestIDFrom(c)), slog.Any("error", err))
		}
		return c.Status(http.StatusInternalServerError).JSON(api.ErrorResponse{Error: autherr.ErrInternal.Message, Code: autherr.ErrInternal.Code})
	}
}

func fiberCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return autherr.ErrInvalidRequest.Code
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return autherr.ErrTooManyAttempts.Code
	}
	if status >= 500 {
		return autherr.ErrInternal.Code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
