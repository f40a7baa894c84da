package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textpay/textpay/internal/address"
)

type settledTransfer struct {
	receipt Receipt
	status  Status
}

type inMemoryLedger struct {
	mu          sync.Mutex
	balances    map[string]uint64
	provisioned map[string]bool
	byReference map[string]settledTransfer
	byAction    map[string]string

	faults faults
	calls  Calls
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests and
// local development.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		balances:    make(map[string]uint64),
		provisioned: make(map[string]bool),
		byReference: make(map[string]settledTransfer),
		byAction:    make(map[string]string),
	}
}

func (l *inMemoryLedger) Provision(ctx context.Context, identityHash string, pair address.Pair) error {
	if hook := l.provisionHook(); hook != nil {
		if err := hook(ctx, identityHash); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls.Provision++
	if err := l.faults.take(opProvision); err != nil {
		return err
	}

	owner := pair.Owner.String()
	if l.provisioned[owner] {
		return ErrAlreadyProvisioned
	}
	l.provisioned[owner] = true
	l.calls.ProvisionEffects++
	if _, ok := l.balances[pair.AssetAccount.String()]; !ok {
		l.balances[pair.AssetAccount.String()] = 0
	}
	return nil
}

func (l *inMemoryLedger) Prepare(_ context.Context, transfer Transfer) (*Submission, error) {
	if transfer.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	return &Submission{
		Reference:  uuid.NewString(),
		Transfer:   transfer,
		PreparedAt: time.Now().UTC(),
	}, nil
}

func (l *inMemoryLedger) Submit(ctx context.Context, sub *Submission) (Receipt, error) {
	if hook := l.submitHook(); hook != nil {
		hook(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls.Submit++

	if err := l.faults.take(opSubmit); err != nil {
		return Receipt{}, err
	}

	t := sub.Transfer
	if ref, exists := l.byAction[t.ActionID]; exists {
		return l.byReference[ref].receipt, ErrDuplicateTransaction
	}

	from, to := t.From.AssetAccount.String(), t.To.AssetAccount.String()
	if !l.provisioned[t.From.Owner.String()] || !l.provisioned[t.To.Owner.String()] {
		return Receipt{}, ErrNotProvisioned
	}
	if l.balances[from] < t.Amount {
		return Receipt{}, ErrInsufficientFunds
	}

	l.balances[from] -= t.Amount
	l.balances[to] += t.Amount
	l.calls.Settlements++

	receipt := Receipt{
		Reference:   sub.Reference,
		ActionID:    t.ActionID,
		Amount:      t.Amount,
		ConfirmedAt: time.Now().UTC(),
	}
	l.byReference[sub.Reference] = settledTransfer{receipt: receipt, status: StatusConfirmed}
	l.byAction[t.ActionID] = sub.Reference

	if err := l.faults.take(opSubmitAfterApply); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (l *inMemoryLedger) Status(_ context.Context, reference string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls.Status++
	if err := l.faults.take(opStatus); err != nil {
		return StatusUnknown, err
	}
	settled, ok := l.byReference[reference]
	if !ok {
		return StatusUnknown, nil
	}
	return settled.status, nil
}

func (l *inMemoryLedger) Ping(context.Context) error { return nil }

func (l *inMemoryLedger) provisionHook() func(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faults.onProvision
}

func (l *inMemoryLedger) submitHook() func(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faults.onSubmit
}
