// Package directory stores per-user state keyed by identity hash.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record exists for the identity hash.
	ErrNotFound = errors.New("record not found")

	// ErrNotInitialized is returned when an update tries to revert LedgerInitialized.
	ErrNotInitialized = errors.New("ledger initialized flag cannot be reverted")
)

// Mutator edits a record in place. Returning an error aborts the update.
type Mutator func(rec *Record) error

// Repository persists user records. Update and Ensure are atomic read-modify-write
// operations scoped to a single identity hash.
type Repository interface {
	Get(ctx context.Context, identityHash string) (Record, error)
	Upsert(ctx context.Context, rec Record) error
	Update(ctx context.Context, identityHash string, fn Mutator) (Record, error)
	Ensure(ctx context.Context, identityHash string) (Record, error)
	Ping(ctx context.Context) error
}

// applyMutation runs fn on a copy of current and enforces record invariants.
func applyMutation(current Record, fn Mutator) (Record, error) {
	next := cloneRecord(current)
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	next.IdentityHash = current.IdentityHash
	next.CreatedAt = current.CreatedAt
	if current.LedgerInitialized && !next.LedgerInitialized {
		return Record{}, ErrNotInitialized
	}
	return next, nil
}
