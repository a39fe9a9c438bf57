// Package sqlite registers the SQLite dialect for the relational store.
package sqlite

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/table"
)

const DriverName = "sqlite3"

func Dialect() store.Dialect {
	return store.Dialect{
		Name:       "sqlite",
		Driver:     DriverName,
		Extension:  ".db",
		ColumnType: columnType,
		DSN:        dsn,
	}
}

func columnType(kind table.Kind) string {
	switch kind {
	case table.KindBool, table.KindInteger:
		return "INTEGER"
	case table.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func dsn(path string, readOnly bool) string {
	if readOnly {
		return "file:" + path + "?mode=ro"
	}
	return "file:" + path
}
