// Package intent turns an inbound message into a transfer intent. Classifiers are
// untrusted: callers re-derive the recipient from the raw message with VerifyRecipient.
package intent

import (
	"context"
	"errors"
	"regexp"

	"github.com/shopspring/decimal"
)

// Triggers understood by the transfer state machine.
const (
	TriggerDirect       = "direct"
	TriggerConfirmation = "confirmation"
	TriggerCancel       = "cancel"
	TriggerNone         = ""
)

// ErrRecipientMismatch indicates the classified recipient does not appear in the message.
var ErrRecipientMismatch = errors.New("recipient not found in message")

// Intent is a classified message.
type Intent struct {
	Trigger          string
	Amount           decimal.Decimal
	RecipientContact string
	Memo             string
}

// Classifier classifies free-text messages.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

// Normalizer canonicalizes contacts. *identity.Hasher implements it.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

var contactCandidate = regexp.MustCompile(`\+?\(?\d[\d\s().-]{5,}\d`)

// VerifyRecipient returns the normalized form of claimed if the same contact appears
// literally in body. It guards against a classifier substituting a recipient the
// sender never wrote.
func VerifyRecipient(body, claimed string, n Normalizer) (string, error) {
	want, err := n.Normalize(claimed)
	if err != nil {
		return "", err
	}
	for _, candidate := range contactCandidate.FindAllString(body, -1) {
		got, err := n.Normalize(candidate)
		if err == nil && got == want {
			return want, nil
		}
	}
	return "", ErrRecipientMismatch
}
