package messaging

import (
	"errors"

	"github.com/textpay/textpay/internal/identity"
	"github.com/textpay/textpay/internal/intent"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/settlement"
	"github.com/textpay/textpay/internal/transfer"
)

// Fixed replies. Raw errors are never shown to users.
const (
	ReplyInvalidMessage     = "Sorry, we couldn't read that message."
	ReplyHelp               = "To send money reply like: send $10 to +14155551234 for lunch"
	ReplyCancelled          = "Your transfer was cancelled."
	ReplyRateLimited        = "Too many messages. Please wait a minute and try again."
	ReplyInvalidContact     = "We couldn't recognize that phone number."
	ReplyRecipientMismatch  = "Please include the recipient's phone number exactly as it should be paid."
	ReplyInvalidTransfer    = "That transfer isn't valid. Amounts must be positive and you can't pay yourself."
	ReplyNoPending          = "You have no transfer waiting for confirmation."
	ReplyExpired            = "Your transfer expired. Send it again to start over."
	ReplyInProgress         = "Your transfer is already being processed."
	ReplyProvisioningFailed = "We couldn't set up your account just now. Reply YES to try again."
	ReplyNotSubmitted       = "We couldn't reach the payment network. Reply YES to try again."
	ReplyInsufficientFunds  = "You don't have enough balance for this transfer."
	ReplySettlementFailed   = "The payment network rejected this transfer."
	ReplyAmbiguous          = "Your transfer is still processing. Reply YES in a few minutes to check on it."
	ReplyInternal           = "Something went wrong. Please try again later."
)

// replyFor maps a core error to its fixed reply.
func replyFor(err error) string {
	switch {
	case errors.Is(err, identity.ErrInvalidContact):
		return ReplyInvalidContact
	case errors.Is(err, intent.ErrRecipientMismatch):
		return ReplyRecipientMismatch
	case errors.Is(err, transfer.ErrInvalidTransfer):
		return ReplyInvalidTransfer
	case errors.Is(err, transfer.ErrNoPendingTransfer):
		return ReplyNoPending
	case errors.Is(err, transfer.ErrTransferExpired):
		return ReplyExpired
	case errors.Is(err, transfer.ErrSettlementInProgress):
		return ReplyInProgress
	case errors.Is(err, settlement.ErrProvisioningFailed):
		return ReplyProvisioningFailed
	case errors.Is(err, settlement.ErrNotSubmitted):
		return ReplyNotSubmitted
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReplyInsufficientFunds
	case errors.Is(err, settlement.ErrSettlementFailed):
		return ReplySettlementFailed
	case errors.Is(err, settlement.ErrSettlementAmbiguous):
		return ReplyAmbiguous
	default:
		return ReplyInternal
	}
}
