package directory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pending transfer states. A transfer is created pending and moves to settling
// right before it is handed to the ledger.
const (
	StatePending  = "pending"
	StateSettling = "settling"
)

// Record is the per-user state kept by the account directory.
type Record struct {
	IdentityHash      string
	LedgerInitialized bool
	PendingTransfer   *PendingTransfer
	BankLinked        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingTransfer is an unconfirmed, time-boxed transfer embedded in the sender's record.
type PendingTransfer struct {
	ActionID         string          `json:"action_id"`
	Amount           decimal.Decimal `json:"amount"`
	RecipientHash    string          `json:"recipient_hash"`
	Memo             string          `json:"memo,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	SenderContact    string          `json:"sender_contact"`
	RecipientContact string          `json:"recipient_contact"`
	CreatedAt        time.Time       `json:"created_at"`

	State         string    `json:"state"`
	SettlingSince time.Time `json:"settling_since,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
}

// Settling reports whether the transfer has been handed to the ledger.
func (p *PendingTransfer) Settling() bool {
	return p != nil && p.State == StateSettling
}

// Expired reports whether a pending (not settling) transfer is past its window.
func (p *PendingTransfer) Expired(now time.Time) bool {
	return p != nil && !p.Settling() && now.After(p.ExpiresAt)
}

// LivePending returns the pending transfer unless it is absent or expired.
func (r Record) LivePending(now time.Time) *PendingTransfer {
	if r.PendingTransfer == nil || r.PendingTransfer.Expired(now) {
		return nil
	}
	return r.PendingTransfer
}

func cloneRecord(r Record) Record {
	if r.PendingTransfer != nil {
		p := *r.PendingTransfer
		r.PendingTransfer = &p
	}
	return r
}
