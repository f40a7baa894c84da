package messaging

import (
	"encoding/xml"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// Reply writes a TwiML message reply. The status is always 200 so the provider does
// not redeliver a handled message.
func Reply(c *fiber.Ctx, text string) error {
	c.Status(fiber.StatusOK)
	return c.XML(twimlResponse{Message: text})
}

// ReplyHandler returns a handler that always replies with text.
func ReplyHandler(text string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return Reply(c, text)
	}
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
