package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/table"
)

var ErrStoreNotFound = errors.New("store not found")

// StorageError wraps failures of the relational store. Op is one of
// "validate", "write", "read" or "open".
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Dialect describes one embedded SQL engine.
type Dialect struct {
	Name       string
	Driver     string
	Extension  string
	ColumnType func(kind table.Kind) string
	DSN        func(path string, readOnly bool) string
}

// Artifact is the result of a conversion. Data holds the exact committed file bytes.
type Artifact struct {
	Name     string
	Path     string
	Columns  []string
	RowCount int
	Data     []byte
}

type Store struct {
	Dir     string
	Dialect Dialect
}

func New(dir string, dialect Dialect) (*Store, error) {
	if strings.TrimSpace(dialect.Driver) == "" {
		return nil, fmt.Errorf("store dialect driver is required")
	}
	if dialect.ColumnType == nil || dialect.DSN == nil {
		return nil, fmt.Errorf("store dialect %q is incomplete", dialect.Name)
	}
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return &Store{Dir: dir, Dialect: dialect}, nil
}

// Within returns a store with the same dialect rooted at the subdirectory dir.
// Only the last path element of dir is used.
func (s *Store) Within(dir string) *Store {
	return &Store{Dir: filepath.Join(s.Dir, filepath.Base(filepath.Clean("/"+dir))), Dialect: s.Dialect}
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, name+s.Dialect.Extension)
}

// Persist writes tbl as the single relation name inside the store file
// {Dir}/{name}{ext}, replacing whatever the file held before.
func (s *Store) Persist(ctx context.Context, tbl *table.Table, name string) (artifact Artifact, err error) {
	defer func() { observability.ObservePersist(artifact.RowCount, err) }()

	if err := ValidateName(name); err != nil {
		return Artifact{}, &StorageError{Op: "validate", Name: name, Err: err}
	}
	if tbl == nil {
		return Artifact{}, &StorageError{Op: "validate", Name: name, Err: fmt.Errorf("table is required")}
	}
	if err := tbl.Validate(); err != nil {
		return Artifact{}, &StorageError{Op: "validate", Name: name, Err: err}
	}
	if len(tbl.Columns) == 0 {
		return Artifact{}, &StorageError{Op: "validate", Name: name, Err: fmt.Errorf("table has no columns")}
	}
	columns, err := SanitizeColumns(tbl.Columns)
	if err != nil {
		return Artifact{}, &StorageError{Op: "validate", Name: name, Err: err}
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Artifact{}, &StorageError{Op: "write", Name: name, Err: err}
	}
	tmp, err := os.CreateTemp(s.Dir, "."+name+"-*"+s.Dialect.Extension)
	if err != nil {
		return Artifact{}, &StorageError{Op: "write", Name: name, Err: err}
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	// engines refuse to open a zero-byte file as an existing database
	_ = os.Remove(tmpPath)
	defer func() { _ = os.Remove(tmpPath) }()

	if err := s.build(ctx, tmpPath, name, columns, tbl); err != nil {
		return Artifact{}, &StorageError{Op: "write", Name: name, Err: err}
	}

	finalPath := s.Path(name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Artifact{}, &StorageError{Op: "write", Name: name, Err: fmt.Errorf("replace store file: %w", err)}
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		return Artifact{}, &StorageError{Op: "read", Name: name, Err: err}
	}

	return Artifact{
		Name:     name,
		Path:     finalPath,
		Columns:  columns,
		RowCount: len(tbl.Rows),
		Data:     data,
	}, nil
}

func (s *Store) build(ctx context.Context, path, name string, columns []string, tbl *table.Table) error {
	db, err := sql.Open(s.Dialect.Driver, s.Dialect.DSN(path, false))
	if err != nil {
		return fmt.Errorf("open %s store: %w", s.Dialect.Name, err)
	}
	defer func() { _ = db.Close() }()

	kinds := tbl.ColumnKinds()
	defs := make([]string, len(columns))
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = QuoteIdent(column)
		defs[i] = quoted[i] + " " + s.Dialect.ColumnType(kinds[i])
		placeholders[i] = "?"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	relation := QuoteIdent(name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+relation); err != nil {
		return fmt.Errorf("drop relation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", relation, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create relation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		relation, strings.Join(quoted, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, row := range tbl.Rows {
		args := make([]any, len(row))
		for j, value := range row {
			args[j] = coerce(value, kinds[j])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close %s store: %w", s.Dialect.Name, err)
	}
	return nil
}

// Open opens an existing store read-only. The caller closes the handle.
func (s *Store) Open(ctx context.Context, name string) (*sql.DB, error) {
	if err := ValidateName(name); err != nil {
		return nil, &StorageError{Op: "validate", Name: name, Err: err}
	}
	path := s.Path(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Op: "open", Name: name, Err: ErrStoreNotFound}
		}
		return nil, &StorageError{Op: "open", Name: name, Err: err}
	}
	db, err := sql.Open(s.Dialect.Driver, s.Dialect.DSN(path, true))
	if err != nil {
		return nil, &StorageError{Op: "open", Name: name, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "open", Name: name, Err: err}
	}
	return db, nil
}

// Load reads the whole relation back into memory.
func (s *Store) Load(ctx context.Context, name string) (*table.Table, error) {
	db, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(name))
	if err != nil {
		return nil, &StorageError{Op: "read", Name: name, Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &StorageError{Op: "read", Name: name, Err: err}
	}
	tbl := table.New(name, columns)
	for rows.Next() {
		values, err := ScanRow(rows, len(columns))
		if err != nil {
			return nil, &StorageError{Op: "read", Name: name, Err: err}
		}
		tbl.Rows = append(tbl.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Name: name, Err: err}
	}
	return tbl, nil
}

// Bytes returns the current content of the store file.
func (s *Store) Bytes(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, &StorageError{Op: "validate", Name: name, Err: err}
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Op: "read", Name: name, Err: ErrStoreNotFound}
		}
		return nil, &StorageError{Op: "read", Name: name, Err: err}
	}
	return data, nil
}

// ScanRow scans the current row into scalars, turning []byte into string.
func ScanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	targets := make([]any, width)
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, value := range values {
		if raw, ok := value.([]byte); ok {
			values[i] = string(raw)
		}
	}
	return values, nil
}

func coerce(value any, kind table.Kind) any {
	if value == nil {
		return nil
	}
	switch kind {
	case table.KindText:
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprint(value)
	case table.KindReal:
		switch typed := value.(type) {
		case int64:
			return float64(typed)
		case int:
			return float64(typed)
		}
	}
	return value
}
