package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{
			"directory": probe(d.Directory.Ping(ctx)),
			"ledger":    probe(d.Ledger.Ping(ctx)),
		}
		if d.Cache != nil {
			checks["redis"] = probe(d.Cache.Ping(ctx).Err())
		} else {
			checks["redis"] = "disabled"
		}

		status := http.StatusOK
		for name, result := range checks {
			if name == "redis" && result == "disabled" {
				continue
			}
			if result != "ok" {
				status = http.StatusServiceUnavailable
			}
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func probe(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
