package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tabletalk/tabletalk/internal/ledger"
)

// Ledger stores history entries in the ledger_entry table.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) HealthCheck(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (l *Ledger) Append(ctx context.Context, sessionID string, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	query := `
INSERT INTO ledger_entry (session_id, role, content, created_at)
VALUES ($1, $2, $3, $4)`
	if _, err := l.db.ExecContext(ctx, query, sessionID, string(entry.Role), entry.Content, entry.Timestamp.UTC()); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) List(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT role, content, created_at
FROM ledger_entry
WHERE session_id = $1
ORDER BY entry_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			entry ledger.Entry
			role  string
		)
		if err := rows.Scan(&role, &entry.Content, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Role = ledger.Role(role)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func (l *Ledger) Clear(ctx context.Context, sessionID string) error {
	if _, err := l.db.ExecContext(ctx, `
DELETE FROM ledger_entry
WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear ledger entries: %w", err)
	}
	return nil
}
