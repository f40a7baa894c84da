// Package ledger defines the contract the settlement adapter needs from the external
// ledger, with a Solana RPC backend and an in-memory backend for tests.
package ledger

import (
	"context"
	"errors"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/textpay/textpay/internal/address"
)

var (
	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the action was already settled; the returned
	// receipt describes the original settlement.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAlreadyProvisioned indicates the owner accounts already exist.
	ErrAlreadyProvisioned = errors.New("accounts already provisioned")

	// ErrNotProvisioned indicates a transfer references accounts that do not exist.
	ErrNotProvisioned = errors.New("accounts not provisioned")

	// ErrUnreachable indicates the request never reached the ledger.
	ErrUnreachable = errors.New("ledger unreachable")

	// ErrRejected indicates the ledger received and deterministically rejected the request.
	ErrRejected = errors.New("ledger rejected request")
)

// Status is the ledger-side state of a submitted reference.
type Status int

const (
	// StatusUnknown means the ledger has no record of the reference.
	StatusUnknown Status = iota
	// StatusPending means the ledger has seen the reference but not confirmed it.
	StatusPending
	// StatusConfirmed means the transfer is settled.
	StatusConfirmed
	// StatusFailed means the ledger executed and rejected the transfer.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transfer describes one settlement between two derived account pairs.
type Transfer struct {
	ActionID      string
	SenderHash    string
	RecipientHash string
	From          address.Pair
	To            address.Pair
	// Amount is in the asset's smallest unit.
	Amount uint64
	Memo   string
}

// Submission is a prepared, signed transfer. Reference is final before anything is sent.
type Submission struct {
	Reference  string
	Transfer   Transfer
	PreparedAt time.Time

	tx *solana.Transaction
}

// Receipt is returned once the ledger confirms a transfer.
type Receipt struct {
	Reference   string
	ActionID    string
	Amount      uint64
	ConfirmedAt time.Time
}

// Ledger is implemented by settlement backends.
type Ledger interface {
	// Provision creates the owner and asset accounts for pair. Calling it twice for the
	// same identity returns ErrAlreadyProvisioned and changes nothing.
	Provision(ctx context.Context, identityHash string, pair address.Pair) error
	Prepare(ctx context.Context, transfer Transfer) (*Submission, error)
	// Submit sends the submission and waits for confirmation. Errors wrapping
	// ErrUnreachable mean nothing was sent; ErrRejected, ErrInsufficientFunds and
	// ErrNotProvisioned are deterministic; anything else is ambiguous.
	Submit(ctx context.Context, sub *Submission) (Receipt, error)
	Status(ctx context.Context, reference string) (Status, error)
	Ping(ctx context.Context) error
}
