package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteJournalSchema = `
CREATE TABLE IF NOT EXISTS settlement_attempts (
    action_id      TEXT NOT NULL,
    reference      TEXT NOT NULL,
    sender_hash    TEXT NOT NULL,
    recipient_hash TEXT NOT NULL,
    amount         INTEGER NOT NULL,
    status         TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    PRIMARY KEY (action_id, reference)
)`

// SQLiteJournal persists settlement attempts in SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal constructs a SQLite-backed journal.
func NewSQLiteJournal(db *sql.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

// Init creates the settlement_attempts table when missing.
func (j *SQLiteJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, sqliteJournalSchema); err != nil {
		return fmt.Errorf("create settlement_attempts table: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Record(ctx context.Context, entry Entry) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `INSERT INTO settlement_attempts (action_id, reference, sender_hash, recipient_hash, amount, status, detail, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (action_id, reference) DO UPDATE SET
            status = excluded.status,
            detail = excluded.detail,
            updated_at = excluded.updated_at`,
		entry.ActionID, entry.Reference, entry.SenderHash, entry.RecipientHash, int64(entry.Amount), entry.Status, entry.Detail, now, now)
	return err
}

func (j *SQLiteJournal) Entries(ctx context.Context, actionID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT action_id, reference, sender_hash, recipient_hash, amount, status, detail, created_at, updated_at
        FROM settlement_attempts WHERE action_id = ? ORDER BY created_at`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			amount               int64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ActionID, &e.Reference, &e.SenderHash, &e.RecipientHash, &amount, &e.Status, &e.Detail, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement attempt: %w", err)
		}
		e.Amount = uint64(amount)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
