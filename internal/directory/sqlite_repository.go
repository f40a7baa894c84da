package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    identity_hash      TEXT PRIMARY KEY,
    ledger_initialized INTEGER NOT NULL DEFAULT 0,
    pending_transfer   TEXT,
    bank_linked        INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
)`

// SQLiteRepository implements Repository on a single-connection SQLite database,
// so every transaction is serialized.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository builds a SQLite-backed directory. The caller should open db
// with at most one connection (see infra.OpenSQLite).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Init creates the users table when missing.
func (r *SQLiteRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, identityHash string) (Record, error) {
	return r.get(ctx, r.db, identityHash)
}

func (r *SQLiteRepository) Upsert(ctx context.Context, rec Record) error {
	pending, err := encodePending(rec.PendingTransfer)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = r.db.ExecContext(ctx, `INSERT INTO users (identity_hash, ledger_initialized, pending_transfer, bank_linked, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (identity_hash) DO UPDATE SET
            ledger_initialized = MAX(users.ledger_initialized, excluded.ledger_initialized),
            pending_transfer = excluded.pending_transfer,
            bank_linked = excluded.bank_linked,
            updated_at = excluded.updated_at`,
		rec.IdentityHash, rec.LedgerInitialized, nullableText(pending), rec.BankLinked, now, now)
	return err
}

func (r *SQLiteRepository) Update(ctx context.Context, identityHash string, fn Mutator) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback() // nolint:errcheck

	current, err := r.get(ctx, tx, identityHash)
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

	if _, err := tx.ExecContext(ctx, `UPDATE users SET ledger_initialized = ?, pending_transfer = ?, bank_linked = ?, updated_at = ?
        WHERE identity_hash = ?`, next.LedgerInitialized, nullableText(pending), next.BankLinked, formatTime(next.UpdatedAt), identityHash); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return next, nil
}

func (r *SQLiteRepository) Ensure(ctx context.Context, identityHash string) (Record, error) {
	now := formatTime(time.Now())
	if _, err := r.db.ExecContext(ctx, `INSERT INTO users (identity_hash, created_at, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (identity_hash) DO NOTHING`, identityHash, now, now); err != nil {
		return Record{}, err
	}
	return r.Get(ctx, identityHash)
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteRepository) get(ctx context.Context, q queryRower, identityHash string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT identity_hash, ledger_initialized, pending_transfer, bank_linked, created_at, updated_at
        FROM users WHERE identity_hash = ?`, identityHash)
	var (
		rec                  Record
		pending              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.IdentityHash, &rec.LedgerInitialized, &pending, &rec.BankLinked, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("scan user: %w", err)
	}
	p, err := decodePending([]byte(pending.String))
	if err != nil {
		return Record{}, err
	}
	rec.PendingTransfer = p
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Record{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableText(raw []byte) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
