package table

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindReal
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	default:
		return "null"
	}
}

// Table is an ordered, fixed-schema collection of rows. Values are nil, string,
// int64, float64 or bool.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

func New(name string, columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Name: name, Columns: cols, Rows: make([][]any, 0)}
}

func (t *Table) AppendRow(values []any) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("row has %d values, want %d", len(values), len(t.Columns))
	}
	row := make([]any, len(values))
	copy(row, values)
	t.Rows = append(t.Rows, row)
	return nil
}

func (t *Table) Validate() error {
	if t == nil {
		return fmt.Errorf("table is nil")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, column := range t.Columns {
		if _, ok := seen[column]; ok {
			return fmt.Errorf("duplicate column %q", column)
		}
		seen[column] = struct{}{}
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Preview returns a shallow copy holding at most n rows. n <= 0 keeps every row.
func (t *Table) Preview(n int) *Table {
	out := &Table{Name: t.Name, Columns: t.Columns, Rows: t.Rows}
	if n > 0 && len(t.Rows) > n {
		out.Rows = t.Rows[:n]
	}
	return out
}

func (t *Table) ColumnKinds() []Kind {
	kinds := make([]Kind, len(t.Columns))
	for _, row := range t.Rows {
		for i, value := range row {
			kinds[i] = widen(kinds[i], KindOf(value))
		}
	}
	return kinds
}

func KindOf(value any) Kind {
	switch value.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64, int, int32:
		return KindInteger
	case float64, float32:
		return KindReal
	default:
		return KindText
	}
}

func widen(current, next Kind) Kind {
	switch {
	case next == KindNull:
		return current
	case current == KindNull || current == next:
		return next
	case isNumeric(current) && isNumeric(next):
		return KindReal
	default:
		return KindText
	}
}

func isNumeric(k Kind) bool {
	return k == KindInteger || k == KindReal
}

// InferScalar converts a raw text cell into the narrowest scalar it represents.
func InferScalar(raw string) any {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && strings.ContainsAny(value, "0123456789") && !strings.ContainsAny(value, "xXpP_") {
		return f
	}
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}
