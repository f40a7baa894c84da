package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/textpay/textpay/internal/address"
)

// Prompt describes a freshly created pending transfer awaiting confirmation.
type Prompt struct {
	ActionID  string
	Amount    decimal.Decimal
	Recipient string
	Memo      string
	ExpiresAt time.Time
	Window    time.Duration
	Sender    address.Pair
}

// Text renders the confirmation question sent back to the sender.
func (p Prompt) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Send $%s to %s", FormatAmount(p.Amount), p.Recipient)
	if p.Memo != "" {
		fmt.Fprintf(&b, " for %q", p.Memo)
	}
	fmt.Fprintf(&b, "? Reply YES to confirm or CANCEL to abort within %s.", humanWindow(p.Window))
	return b.String()
}

// Receipt describes a settled transfer.
type Receipt struct {
	ActionID  string
	Reference string
	Amount    decimal.Decimal
	Recipient string
	Memo      string
	SettledAt time.Time
}

// Text renders the settlement confirmation sent back to the sender.
func (r Receipt) Text() string {
	return fmt.Sprintf("Sent $%s to %s. Ref %s", FormatAmount(r.Amount), r.Recipient, shortRef(r.Reference))
}

// FormatAmount prints whole amounts without decimals and cents with two places.
func FormatAmount(amount decimal.Decimal) string {
	if amount.IsInteger() {
		return amount.String()
	}
	if amount.Equal(amount.Round(2)) {
		return amount.StringFixed(2)
	}
	return amount.String()
}

func humanWindow(d time.Duration) string {
	switch {
	case d <= 0:
		return "a few minutes"
	case d%time.Minute == 0 && d >= time.Minute:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	default:
		return d.String()
	}
}

func shortRef(ref string) string {
	if len(ref) <= 12 {
		return ref
	}
	return ref[:12]
}
