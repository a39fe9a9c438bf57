// Package duckdb registers the DuckDB dialect for the relational store.
package duckdb

import (
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/table"
)

const DriverName = "duckdb"

func Dialect() store.Dialect {
	return store.Dialect{
		Name:       "duckdb",
		Driver:     DriverName,
		Extension:  ".duckdb",
		ColumnType: columnType,
		DSN:        dsn,
	}
}

func columnType(kind table.Kind) string {
	switch kind {
	case table.KindBool:
		return "BOOLEAN"
	case table.KindInteger:
		return "BIGINT"
	case table.KindReal:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func dsn(path string, readOnly bool) string {
	if readOnly {
		return path + "?access_mode=read_only"
	}
	return path
}
