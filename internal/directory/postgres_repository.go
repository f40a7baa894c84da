package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
    identity_hash      CHAR(64) PRIMARY KEY,
    ledger_initialized BOOLEAN NOT NULL DEFAULT FALSE,
    pending_transfer   JSONB,
    bank_linked        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresRepository implements Repository using PostgreSQL row locks.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed directory.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the users table when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresSchema)
	return err
}

// Get fetches a record by identity hash.
func (r *PostgresRepository) Get(ctx context.Context, identityHash string) (Record, error) {
	row := r.db.QueryRow(ctx, `SELECT identity_hash, ledger_initialized, pending_transfer, bank_linked, created_at, updated_at
        FROM users WHERE identity_hash = $1`, identityHash)
	return scanPostgres(row)
}

// Upsert writes the full record. LedgerInitialized is OR-ed with the stored value.
func (r *PostgresRepository) Upsert(ctx context.Context, rec Record) error {
	pending, err := encodePending(rec.PendingTransfer)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (identity_hash, ledger_initialized, pending_transfer, bank_linked, created_at, updated_at)
        VALUES ($1, $2, $3, $4, now(), now())
        ON CONFLICT (identity_hash) DO UPDATE SET
            ledger_initialized = users.ledger_initialized OR EXCLUDED.ledger_initialized,
            pending_transfer = EXCLUDED.pending_transfer,
            bank_linked = EXCLUDED.bank_linked,
            updated_at = now()`,
		rec.IdentityHash, rec.LedgerInitialized, pending, rec.BankLinked)
	return err
}

// Update locks the row, applies fn and writes the result in one transaction.
func (r *PostgresRepository) Update(ctx context.Context, identityHash string, fn Mutator) (Record, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT identity_hash, ledger_initialized, pending_transfer, bank_linked, created_at, updated_at
        FROM users WHERE identity_hash = $1 FOR UPDATE`, identityHash)
	current, err := scanPostgres(row)
	if err != nil {
		return Record{}, err
	}

	next, err := applyMutation(current, fn)
	if err != nil {
		return Record{}, err
	}
	pending, err := encodePending(next.PendingTransfer)
	if err != nil {
		return Record{}, err
	}
	next.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx, `UPDATE users SET ledger_initialized = $2, pending_transfer = $3, bank_linked = $4, updated_at = $5
        WHERE identity_hash = $1`, identityHash, next.LedgerInitialized, pending, next.BankLinked, next.UpdatedAt); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return next, nil
}

// Ensure creates an empty record when none exists and returns the stored one.
func (r *PostgresRepository) Ensure(ctx context.Context, identityHash string) (Record, error) {
	if _, err := r.db.Exec(ctx, `INSERT INTO users (identity_hash) VALUES ($1)
        ON CONFLICT (identity_hash) DO NOTHING`, identityHash); err != nil {
		return Record{}, err
	}
	return r.Get(ctx, identityHash)
}

// Ping checks connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanPostgres(row pgx.Row) (Record, error) {
	var (
		rec     Record
		pending []byte
	)
	if err := row.Scan(&rec.IdentityHash, &rec.LedgerInitialized, &pending, &rec.BankLinked, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("scan user: %w", err)
	}
	p, err := decodePending(pending)
	if err != nil {
		return Record{}, err
	}
	rec.PendingTransfer = p
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
