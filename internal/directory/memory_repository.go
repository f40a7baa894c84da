package directory

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryRepository builds an in-memory directory for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{records: make(map[string]Record)}
}

func (r *memoryRepository) Get(_ context.Context, identityHash string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[identityHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Upsert stores rec. LedgerInitialized is never downgraded.
func (r *memoryRepository) Upsert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.records[rec.IdentityHash]; ok {
		rec.LedgerInitialized = rec.LedgerInitialized || existing.LedgerInitialized
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.records[rec.IdentityHash] = cloneRecord(rec)
	return nil
}

func (r *memoryRepository) Update(_ context.Context, identityHash string, fn Mutator) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[identityHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	next, err := applyMutation(current, fn)
	if err != nil {
		return Record{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	r.records[identityHash] = cloneRecord(next)
	return next, nil
}

func (r *memoryRepository) Ensure(_ context.Context, identityHash string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[identityHash]; ok {
		return cloneRecord(rec), nil
	}
	now := time.Now().UTC()
	rec := Record{IdentityHash: identityHash, CreatedAt: now, UpdatedAt: now}
	r.records[identityHash] = rec
	return rec, nil
}

func (r *memoryRepository) Ping(context.Context) error { return nil }
