package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/diegous2023/gestorgastos/internal/logging"
)

func setupIdempotencyApp(t *testing.T, handler fiber.Handler) *fiber.App {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	logger := logging.Discard()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(Idempotency(cache, time.Minute, logger))
	app.Post("/resource", handler)
	return app
}

func postResource(t *testing.T, app *fiber.App, key string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header.Get(idempotentReplayHeader)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app := setupIdempotencyApp(t, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	status, _, _ := postResource(t, app, "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	var calls atomic.Int32
	app := setupIdempotencyApp(t, func(c *fiber.Ctx) error {
		n := calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	})

	status, first, replayed := postResource(t, app, "abc123")
	if status != fiber.StatusCreated || replayed != "" {
		t.Fatalf("unexpected first response %d replayed=%q", status, replayed)
	}

	status, second, replayed := postResource(t, app, "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if second != first {
		t.Fatalf("expected cached payload %s got %s", first, second)
	}
	if replayed != "true" {
		t.Fatalf("expected replay marker")
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestIdempotencyReleasesKeyOnError(t *testing.T) {
	var calls atomic.Int32
	app := setupIdempotencyApp(t, func(c *fiber.Ctx) error {
		if calls.Add(1) == 1 {
			return fiber.NewError(fiber.StatusServiceUnavailable, "try later")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	if status, _, _ := postResource(t, app, "k1"); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected first call to fail, got %d", status)
	}
	if status, _, _ := postResource(t, app, "k1"); status != fiber.StatusOK {
		t.Fatalf("expected retry to run handler, got %d", status)
	}
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}
