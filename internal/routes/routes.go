package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/diegous2023/gestorgastos/internal/admin"
	"github.com/diegous2023/gestorgastos/internal/auth"
	"github.com/diegous2023/gestorgastos/internal/changefeed"
	"github.com/diegous2023/gestorgastos/internal/config"
	"github.com/diegous2023/gestorgastos/internal/credential"
	"github.com/diegous2023/gestorgastos/internal/identity"
	"github.com/diegous2023/gestorgastos/internal/ledger"
	"github.com/diegous2023/gestorgastos/internal/middleware"
	"github.com/diegous2023/gestorgastos/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Ledger ledger.Ledger
	Broker changefeed.Broker
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Ledger == nil || d.Broker == nil {
		return fmt.Errorf("ledger and change broker are required")
	}
	if !d.Cfg.IsDev() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var store auth.Store
	if d.Cache != nil {
		store = auth.NewRedisStore(d.Cache)
	} else {
		store = auth.NewMemoryStore()
	}
	authSvc := auth.NewService(auth.NewTokenService(d.Cfg.SessionSecret, d.Cfg.AppName, d.Cfg.SessionTTL), store)
	notifier := notification.NewLoggerNotifier(d.Logger)

	identitySvc := identity.NewService(d.Ledger, authSvc, notifier)
	credentialSvc := credential.NewService(d.Ledger, authSvc, notifier)
	adminSvc := admin.NewService(d.Ledger, notifier)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	caller := middleware.CallerToken(authSvc)
	RegisterAuthRoutes(api, auth.NewHandler(authSvc))
	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc, d.Broker, d.Logger), caller,
		middleware.AttemptLimit(d.Cache, "authorize", d.Cfg.AuthorizeAttemptsPerMinute, d.Logger))
	RegisterCredentialRoutes(api, credential.NewHandler(credentialSvc), caller,
		middleware.AttemptLimit(d.Cache, "pin", d.Cfg.PinAttemptsPerMinute, d.Logger),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterAdminRoutes(api, admin.NewHandler(adminSvc), middleware.RequireAdmin(d.Cfg.AdminPassword))

	// Routes for the rest of the application only run while the caller's
	// session is still derived from the current Ledger row.
	api.Get("/me", caller, middleware.RequireSession(d.Ledger), func(c *fiber.Ctx) error {
		sess, _ := middleware.Session(c)
		return c.JSON(fiber.Map{
			"email":        sess.Email,
			"name":         sess.Name,
			"revision":     sess.Revision,
			"pin_verified": sess.PinVerified,
			"bound_at":     sess.BoundAt,
		})
	})

	return nil
}
