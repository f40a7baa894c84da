package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	messageSidField  = "MessageSid"
	redeliveryPrefix = "webhook:sms:v1:"
	inProgressMarker = "__in_progress__"
	cacheOpTimeout   = 2 * time.Second
)

type storedReply struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// Redelivery makes webhook handling idempotent per provider message id. The first
// delivery of a MessageSid runs the handler and stores its reply in Redis; later
// deliveries replay the stored reply, or get inProgress while the first is running.
// Requests without a MessageSid, or any Redis failure, pass straight through.
func Redelivery(cache *redis.Client, ttl time.Duration, logger *slog.Logger, inProgress fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sid := strings.TrimSpace(c.FormValue(messageSidField))
		if cache == nil || sid == "" {
			return c.Next()
		}
		key := redeliveryPrefix + sid

		ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
		defer cancel()

		reserved, err := cache.SetNX(ctx, key, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Warn("redelivery reservation failed", slog.String("message_sid", sid), slog.Any("error", err))
			return c.Next()
		}
		if !reserved {
			return replay(c, cache, key, sid, logger, inProgress)
		}

		if err := c.Next(); err != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
			defer cancel()
			cache.Del(cleanupCtx, key) // best effort cleanup
			return err
		}

		payload, err := json.Marshal(storedReply{
			Status:      c.Response().StatusCode(),
			ContentType: string(c.Response().Header.ContentType()),
			Body:        string(c.Response().Body()),
		})
		if err != nil {
			logger.Error("failed to encode webhook reply", slog.String("message_sid", sid), slog.Any("error", err))
			return nil
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), cacheOpTimeout)
		defer persistCancel()
		if err := cache.Set(persistCtx, key, payload, ttl).Err(); err != nil {
			logger.Error("failed to persist webhook reply", slog.String("message_sid", sid), slog.Any("error", err))
			cache.Del(persistCtx, key)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cache *redis.Client, key, sid string, logger *slog.Logger, inProgress fiber.Handler) error {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	cached, err := cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("redelivery lookup failed", slog.String("message_sid", sid), slog.Any("error", err))
		}
		return c.Next()
	}
	if cached == inProgressMarker {
		logger.Info("duplicate delivery while processing", slog.String("message_sid", sid))
		return inProgress(c)
	}

	var stored storedReply
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		logger.Warn("failed to decode stored webhook reply", slog.String("message_sid", sid), slog.Any("error", err))
		return inProgress(c)
	}
	logger.Info("replaying webhook reply", slog.String("message_sid", sid))
	if stored.ContentType != "" {
		c.Set(fiber.HeaderContentType, stored.ContentType)
	}
	return c.Status(stored.Status).SendString(stored.Body)
}
