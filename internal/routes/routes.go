package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/textpay/textpay/internal/config"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/intent"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/messaging"
	"github.com/textpay/textpay/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg        config.Config
	Directory  directory.Repository
	Ledger     ledger.Ledger
	Cache      *redis.Client
	Transfers  messaging.Transfers
	Classifier intent.Classifier
	Contacts   messaging.Contacts
	Logger     *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Directory == nil || d.Ledger == nil || d.Transfers == nil || d.Contacts == nil {
		return fmt.Errorf("routes: directory, ledger, transfers and contacts are required")
	}
	if d.Cache == nil && !d.Cfg.IsDev() {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	if d.Classifier == nil {
		d.Classifier = intent.NewRuleClassifier()
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	RegisterWebhookRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	return nil
}

// RegisterWebhookRoutes mounts the inbound SMS webhook behind redelivery dedup and
// per-sender rate limiting. Redeliveries are answered before they reach the limiter.
func RegisterWebhookRoutes(r fiber.Router, d Deps) {
	handler := messaging.NewHandler(d.Transfers, d.Classifier, d.Contacts, d.Logger, d.Cfg.MessageMaxLength)
	handler.Register(r,
		middleware.Redelivery(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, messaging.ReplyHandler(messaging.ReplyInProgress)),
		middleware.InboundRateLimit(d.Cache, d.Cfg.InboundPerMinute, messaging.ReplyHandler(messaging.ReplyRateLimited)),
	)
}
