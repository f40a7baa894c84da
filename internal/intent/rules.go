package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	directPattern = regexp.MustCompile(`(?i)^\s*(?:send|pay|transfer)\s+\$?\s*(\d+(?:\.\d+)?)\s*(?:usd|dollars?|bucks)?\s+to\s+(\+?\(?\d[\d\s().-]*\d)\s*(?:(?:for|memo:?|re:?)\s+(.+?))?\s*[.!]?\s*$`)

	confirmWords = map[string]bool{"yes": true, "y": true, "confirm": true, "ok": true, "okay": true, "send it": true}
	cancelWords  = map[string]bool{"cancel": true, "no": true, "n": true, "abort": true}
)

// RuleClassifier recognizes a small fixed grammar:
//
//	send $10 to +14155551234 for lunch
//	yes
//	cancel
type RuleClassifier struct{}

// NewRuleClassifier returns the default classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Classify never fails; unrecognized text yields TriggerNone.
func (RuleClassifier) Classify(_ context.Context, text string) (Intent, error) {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!"))
	switch {
	case confirmWords[word]:
		return Intent{Trigger: TriggerConfirmation}, nil
	case cancelWords[word]:
		return Intent{Trigger: TriggerCancel}, nil
	}

	m := directPattern.FindStringSubmatch(text)
	if m == nil {
		return Intent{Trigger: TriggerNone}, nil
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return Intent{Trigger: TriggerNone}, nil
	}
	return Intent{
		Trigger:          TriggerDirect,
		Amount:           amount,
		RecipientContact: strings.TrimSpace(m[2]),
		Memo:             strings.TrimSpace(m[3]),
	}, nil
}
