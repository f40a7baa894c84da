package settlement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresJournalSchema = `
CREATE TABLE IF NOT EXISTS settlement_attempts (
    action_id      UUID NOT NULL,
    reference      TEXT NOT NULL,
    sender_hash    CHAR(64) NOT NULL,
    recipient_hash CHAR(64) NOT NULL,
    amount         BIGINT NOT NULL,
    status         TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (action_id, reference)
)`

// PostgresJournal persists settlement attempts in PostgreSQL.
type PostgresJournal struct {
	db *pgxpool.Pool
}

// NewPostgresJournal constructs a Postgres-backed journal.
func NewPostgresJournal(db *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// EnsureSchema creates the settlement_attempts table when missing.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	_, err := j.db.Exec(ctx, postgresJournalSchema)
	return err
}

// Record inserts the attempt or updates its status.
func (j *PostgresJournal) Record(ctx context.Context, entry Entry) error {
	_, err := j.db.Exec(ctx, `INSERT INTO settlement_attempts (action_id, reference, sender_hash, recipient_hash, amount, status, detail)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (action_id, reference) DO UPDATE SET
            status = EXCLUDED.status,
            detail = EXCLUDED.detail,
            updated_at = now()`,
		entry.ActionID, entry.Reference, entry.SenderHash, entry.RecipientHash, int64(entry.Amount), entry.Status, entry.Detail)
	return err
}

// Entries lists the attempts for an action, oldest first.
func (j *PostgresJournal) Entries(ctx context.Context, actionID string) ([]Entry, error) {
	rows, err := j.db.Query(ctx, `SELECT action_id::text, reference, sender_hash, recipient_hash, amount, status, detail, created_at, updated_at
        FROM settlement_attempts WHERE action_id = $1 ORDER BY created_at`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			amount int64
		)
		if err := rows.Scan(&e.ActionID, &e.Reference, &e.SenderHash, &e.RecipientHash, &amount, &e.Status, &e.Detail, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement attempt: %w", err)
		}
		e.Amount = uint64(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}
