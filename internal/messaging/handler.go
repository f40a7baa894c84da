// Package messaging exposes the inbound SMS webhook.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"

	"github.com/textpay/textpay/internal/intent"
	"github.com/textpay/textpay/internal/transfer"
)

const defaultMaxLength = 320

// Transfers is the state machine surface the webhook drives.
type Transfers interface {
	Submit(ctx context.Context, in transfer.SubmitInput) (transfer.Prompt, error)
	Confirm(ctx context.Context, senderHash string) (transfer.Receipt, error)
	Cancel(ctx context.Context, senderHash string) error
}

// Contacts normalizes and hashes contacts. *identity.Hasher implements it.
type Contacts interface {
	Normalize(raw string) (string, error)
	HashNormalized(normalized string) string
}

// Handler handles inbound messages from the SMS provider.
type Handler struct {
	transfers  Transfers
	classifier intent.Classifier
	contacts   Contacts
	logger     *slog.Logger
	maxLength  int
}

// NewHandler constructs the webhook handler. maxLength caps both inbound bodies and
// outbound replies.
func NewHandler(transfers Transfers, classifier intent.Classifier, contacts Contacts, logger *slog.Logger, maxLength int) *Handler {
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	return &Handler{transfers: transfers, classifier: classifier, contacts: contacts, logger: logger, maxLength: maxLength}
}

// Register mounts the webhook under router.
func (h *Handler) Register(router fiber.Router, mw ...fiber.Handler) {
	handlers := append(mw, h.Inbound)
	router.Post("/webhooks/sms", handlers...)
}

// Inbound processes one message and replies with TwiML.
func (h *Handler) Inbound(c *fiber.Ctx) error {
	body := strings.TrimSpace(c.FormValue("Body"))
	if body == "" || len(body) > h.maxLength || !utf8.ValidString(body) {
		return h.reply(c, ReplyInvalidMessage)
	}
	sender, err := h.contacts.Normalize(c.FormValue("From"))
	if err != nil {
		return h.reply(c, ReplyInvalidMessage)
	}
	senderHash := h.contacts.HashNormalized(sender)
	ctx := c.UserContext()
	log := h.logger.With(slog.String("sender_hash", senderHash))
	if sid := c.FormValue("MessageSid"); sid != "" {
		log = log.With(slog.String("message_sid", sid))
	}

	in, err := h.classifier.Classify(ctx, body)
	if err != nil {
		log.Warn("classify message", slog.Any("error", err))
		return h.reply(c, ReplyHelp)
	}

	switch in.Trigger {
	case intent.TriggerDirect:
		recipient, err := intent.VerifyRecipient(body, in.RecipientContact, h.contacts)
		if err != nil {
			return h.fail(c, log, "verify recipient", err)
		}
		prompt, err := h.transfers.Submit(ctx, transfer.SubmitInput{
			SenderHash:       senderHash,
			SenderContact:    sender,
			RecipientContact: recipient,
			Amount:           in.Amount,
			Memo:             in.Memo,
		})
		if err != nil {
			return h.fail(c, log, "submit transfer", err)
		}
		return h.reply(c, prompt.Text())

	case intent.TriggerConfirmation:
		receipt, err := h.transfers.Confirm(ctx, senderHash)
		if err != nil {
			return h.fail(c, log, "confirm transfer", err)
		}
		return h.reply(c, receipt.Text())

	case intent.TriggerCancel:
		if err := h.transfers.Cancel(ctx, senderHash); err != nil {
			return h.fail(c, log, "cancel transfer", err)
		}
		return h.reply(c, ReplyCancelled)

	default:
		return h.reply(c, ReplyHelp)
	}
}

func (h *Handler) fail(c *fiber.Ctx, log *slog.Logger, op string, err error) error {
	reply := replyFor(err)
	if reply == ReplyInternal {
		log.Error(op, slog.Any("error", err))
	} else {
		log.Info(op, slog.Any("error", err))
	}
	return h.reply(c, reply)
}

func (h *Handler) reply(c *fiber.Ctx, text string) error {
	return Reply(c, truncate(text, h.maxLength))
}
