package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit logs one structured line per request. Webhook requests also carry the
// provider message id; sender contacts are never logged here.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID, _ := c.Locals(requestIDHeader).(string); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if c.Method() == fiber.MethodPost {
			if sid := strings.TrimSpace(c.FormValue(messageSidField)); sid != "" {
				attrs = append(attrs, slog.String("message_sid", sid))
			}
		}
		if err != nil {
			logger.Error("request failed", append(attrs, slog.Any("error", err))...)
			return err
		}
		logger.Info("request completed", attrs...)
		return nil
	}
}
