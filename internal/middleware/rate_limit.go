package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// InboundRateLimit caps messages per sender per minute using Redis counters, keyed by
// the From form field and falling back to the client IP. Exceeding the cap runs
// onLimit instead of the handler.
func InboundRateLimit(cache *redis.Client, maxPerMin int, onLimit fiber.Handler) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 20
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		from := strings.TrimSpace(c.FormValue("From"))
		if from == "" {
			from = c.IP()
		}
		key := "rl:inbound:" + from
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err == nil && cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt > int64(maxPerMin) {
			return onLimit(c)
		}
		return c.Next()
	}
}
