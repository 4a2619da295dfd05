package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

const rateLimitPrefix = "rl:v1:"

// AttemptLimit caps attempts per normalized email (or client IP when the body
// names none) within a one minute window. scope separates counters of
// different endpoints. Without Redis, or when Redis fails, requests pass.
func AttemptLimit(cache *redis.Client, scope string, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			Email string `json:"email"`
		}
		_ = c.BodyParser(&req)
		subject := ledger.NormalizeEmail(req.Email)
		if subject == "" {
			subject = "ip:" + c.IP()
		}
		key := rateLimitPrefix + scope + ":" + subject

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit unavailable", slog.String("scope", scope), slog.Any("error", err))
			}
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return autherr.ErrTooManyAttempts
		}
		return c.Next()
	}
}
