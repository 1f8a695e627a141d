package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// ReadinessChecker reports whether a dependency can take traffic.
type ReadinessChecker interface {
	Ready() error
}

type HealthDeps struct {
	DB     *sql.DB
	Redis  *redis.Client
	Broker ReadinessChecker
}

func RegisterHealthRoutes(app fiber.Router, deps HealthDeps) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(deps))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler pings every configured dependency. Nil dependencies are
// left out of the report.
func ReadyzHandler(deps HealthDeps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		checks := fiber.Map{}
		ready := true
		record := func(name string, err error) {
			if err != nil {
				ready = false
				checks[name] = "down"
				return
			}
			checks[name] = "ok"
		}

		if deps.DB != nil {
			record("postgres", deps.DB.PingContext(ctx))
		}
		if deps.Redis != nil {
			record("redis", deps.Redis.Ping(ctx).Err())
		}
		if deps.Broker != nil {
			record("rabbitmq", deps.Broker.Ready())
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	}
}
