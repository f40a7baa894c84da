package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	// providerTokenHeader is set by the SMS provider and is stable across its retries.
	providerTokenHeader = "I-Twilio-Idempotency-Token"
)

// RequestID tags each request with an identifier for log correlation. It prefers the
// caller's X-Request-ID, then the provider's idempotency token, then a fresh UUID.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" {
			reqID = c.Get(providerTokenHeader)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDHeader, reqID)
		return c.Next()
	}
}
