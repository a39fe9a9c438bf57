package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/sqlguard"
	"github.com/tabletalk/tabletalk/internal/store"
)

type Request struct {
	SQL       string
	StoreName string
	// Workspace selects a subdirectory of the executor's store, empty for the root.
	Workspace string
}

type Result struct {
	SQL      string
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Error is returned for statements that were rejected before execution or
// that the engine failed to run.
type Error struct {
	SQL      string
	Rejected bool
	Err      error
}

func (e *Error) Error() string {
	if e.Rejected {
		return fmt.Sprintf("query rejected: %v", e.Err)
	}
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Executor struct {
	Store    *store.Store
	RowLimit int
	// Timeout bounds a single execution when positive.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewExecutor(s *store.Store, rowLimit int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Executor{Store: s, RowLimit: rowLimit, Logger: logger}
}

// Execute validates request.SQL against the stored relation and runs the
// canonical rendering in a single transaction on a read-only handle.
func (e *Executor) Execute(ctx context.Context, request Request) (result Result, err error) {
	if e.Store == nil {
		return Result{}, fmt.Errorf("store is required")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		var queryErr *Error
		if errors.As(err, &queryErr) && queryErr.Rejected {
			return
		}
		observability.ObserveQuery(time.Since(start), err)
	}()

	target := e.Store
	if request.Workspace != "" {
		target = target.Within(request.Workspace)
	}
	db, err := target.Open(ctx, request.StoreName)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = db.Close() }()

	columns, err := relationColumns(ctx, db, request.StoreName)
	if err != nil {
		return Result{}, &Error{SQL: request.SQL, Err: err}
	}

	stmt, err := sqlguard.Parse(request.SQL, sqlguard.Schema{Table: request.StoreName, Columns: columns})
	if err != nil {
		observability.IncrementQueryRejected()
		e.Logger.WarnContext(ctx, "statement rejected", "store", request.StoreName, "error", err)
		return Result{}, &Error{SQL: request.SQL, Rejected: true, Err: err}
	}
	if e.RowLimit > 0 {
		stmt.CapLimit(int64(e.RowLimit))
	}
	sqlText := stmt.SQL()
	e.Logger.DebugContext(ctx, "executing statement", "store", request.StoreName, "sql", sqlText)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, &Error{SQL: sqlText, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, &Error{SQL: sqlText, Err: err}
	}
	defer func() { _ = rows.Close() }()

	resultColumns, err := rows.Columns()
	if err != nil {
		return Result{}, &Error{SQL: sqlText, Err: fmt.Errorf("query columns: %w", err)}
	}
	resultRows := make([][]any, 0)
	for rows.Next() {
		values, err := store.ScanRow(rows, len(resultColumns))
		if err != nil {
			return Result{}, &Error{SQL: sqlText, Err: err}
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, &Error{SQL: sqlText, Err: fmt.Errorf("iterate rows: %w", err)}
	}
	if err := rows.Close(); err != nil {
		return Result{}, &Error{SQL: sqlText, Err: fmt.Errorf("close rows: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, &Error{SQL: sqlText, Err: fmt.Errorf("commit: %w", err)}
	}

	return Result{
		SQL:      sqlText,
		Columns:  resultColumns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func relationColumns(ctx context.Context, db *sql.DB, name string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+store.QuoteIdent(name)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("describe relation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describe relation: %w", err)
	}
	if len(columns) == 0 || strings.TrimSpace(columns[0]) == "" {
		return nil, fmt.Errorf("relation %q has no columns", name)
	}
	return columns, nil
}
