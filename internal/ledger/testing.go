package ledger

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// Operations that accept injected faults on the in-memory ledger.
const (
	opProvision        = "provision"
	opSubmit           = "submit"
	opSubmitAfterApply = "submit_after_apply"
	opStatus           = "status"
)

// Calls counts in-memory ledger invocations.
type Calls struct {
	Provision        int
	ProvisionEffects int
	Submit           int
	Settlements      int
	Status           int
}

type faults struct {
	queued      map[string][]error
	onSubmit    func(context.Context)
	onProvision func(context.Context, string) error
}

func (f *faults) push(op string, err error) {
	if f.queued == nil {
		f.queued = make(map[string][]error)
	}
	f.queued[op] = append(f.queued[op], err)
}

func (f *faults) take(op string) error {
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	f.queued[op] = q[1:]
	return q[0]
}

func asMemory(l Ledger) *inMemoryLedger {
	mem, _ := l.(*inMemoryLedger)
	return mem
}

// SeedBalance is a test helper that seeds the balance of an asset account when using
// the in-memory ledger.
func SeedBalance(l Ledger, account solana.PublicKey, amount uint64) {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[account.String()] = amount
	}
}

// BalanceOf returns the in-memory balance of an asset account.
func BalanceOf(l Ledger, account solana.PublicKey) uint64 {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		return mem.balances[account.String()]
	}
	return 0
}

// CallsOf snapshots the in-memory ledger call counters.
func CallsOf(l Ledger) Calls {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		return mem.calls
	}
	return Calls{}
}

// FailNextProvision makes the next Provision call return err.
func FailNextProvision(l Ledger, err error) { inject(l, opProvision, err) }

// FailNextSubmit makes the next Submit call return err without applying the transfer.
func FailNextSubmit(l Ledger, err error) { inject(l, opSubmit, err) }

// FailNextSubmitAfterApply applies the next transfer and then returns err, simulating
// a timeout after the ledger accepted the request.
func FailNextSubmitAfterApply(l Ledger, err error) { inject(l, opSubmitAfterApply, err) }

// FailNextStatus makes the next Status call return err.
func FailNextStatus(l Ledger, err error) { inject(l, opStatus, err) }

// OnSubmit installs a hook run at the start of every Submit, outside the ledger lock.
func OnSubmit(l Ledger, hook func(context.Context)) {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.faults.onSubmit = hook
	}
}

// OnProvision installs a hook run at the start of every Provision, outside the ledger
// lock. A non-nil error from the hook is returned without provisioning.
func OnProvision(l Ledger, hook func(ctx context.Context, identityHash string) error) {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.faults.onProvision = hook
	}
}

func inject(l Ledger, op string, err error) {
	if mem := asMemory(l); mem != nil {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.faults.push(op, err)
	}
}
