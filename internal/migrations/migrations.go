// Package migrations applies the embedded ledger schema to Postgres.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	versionTable = "tabletalk_schema_migrations"
	// lockKey serializes runners across processes, e.g. several API replicas
	// starting with auto-migrate enabled.
	lockKey int64 = 0x7461626c6574616c
)

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// State describes one known migration against the database.
type State struct {
	Version int64
	Name    string
	Applied bool
}

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	version  int64
	name     string
	up       string
	down     string
	checksum string
}

type appliedVersion struct {
	version  int64
	checksum string
}

// Up applies pending migrations in version order. steps <= 0 applies all.
// An applied migration whose script changed since it ran is an error.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	known, err := load(r.fsys)
	if err != nil {
		return 0, err
	}
	count := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]string, len(applied))
		for _, a := range applied {
			done[a.version] = a.checksum
		}
		for _, m := range known {
			if sum, ok := done[m.version]; ok {
				if sum != "" && sum != m.checksum {
					return fmt.Errorf("migration %d (%s) changed after it was applied", m.version, m.name)
				}
				continue
			}
			if steps > 0 && count == steps {
				return nil
			}
			if err := step(ctx, conn, m, m.up,
				`INSERT INTO `+versionTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				m.version, m.name, m.checksum); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Down rolls back the most recently applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	known, err := load(r.fsys)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(known))
	for _, m := range known {
		byVersion[m.version] = m
	}
	count := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && count < steps; i-- {
			m, ok := byVersion[applied[i].version]
			if !ok {
				return fmt.Errorf("applied migration %d has no source script", applied[i].version)
			}
			if err := step(ctx, conn, m, m.down,
				`DELETE FROM `+versionTable+` WHERE version = $1`, m.version); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Status lists every known migration and whether it is applied.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]State, error) {
	known, err := load(r.fsys)
	if err != nil {
		return nil, err
	}
	var states []State
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range known {
			isApplied := slices.ContainsFunc(applied, func(a appliedVersion) bool { return a.version == m.version })
			states = append(states, State{Version: m.version, Name: m.name, Applied: isApplied})
		}
		return nil
	})
	return states, err
}

func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey); unlockErr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", unlockErr)
		}
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+versionTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("ensure %s: %w", versionTable, err)
	}
	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]appliedVersion, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM `+versionTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var applied []appliedVersion
	for rows.Next() {
		var a appliedVersion
		if err := rows.Scan(&a.version, &a.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

func step(ctx context.Context, conn *sql.Conn, m migration, script, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// load pairs NNNNNN_name.up.sql with NNNNNN_name.down.sql under sql/.
func load(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration scripts: %w", err)
	}
	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		parts := fileNamePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}
		m := byVersion[version]
		if m == nil {
			m = &migration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, m.name, parts[2])
		}
		if parts[3] == "up" {
			m.up = string(body)
		} else {
			m.down = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.up) == "" || strings.TrimSpace(m.down) == "" {
			return nil, fmt.Errorf("migration %d (%s) needs both up and down scripts", m.version, m.name)
		}
		sum := sha256.Sum256([]byte(m.up))
		m.checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int {
		switch {
		case a.version < b.version:
			return -1
		case a.version > b.version:
			return 1
		}
		return 0
	})
	return out, nil
}
