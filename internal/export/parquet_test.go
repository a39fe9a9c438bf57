package export

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/table"
)

func TestEncodeTableToParquet(t *testing.T) {
	tbl := table.New("Students", []string{"Name", "Marks", "Score"})
	tbl.Rows = [][]any{
		{"Alice", int64(85), 4.5},
		{"Bob", nil, int64(3)},
	}

	result, err := EncodeTableToParquet(tbl)
	if err != nil {
		t.Fatalf("EncodeTableToParquet() error = %v", err)
	}
	if result.RecordCount != 2 || len(result.Data) == 0 {
		t.Fatalf("result = %+v", result)
	}

	reader := parquet.NewReader(bytes.NewReader(result.Data))
	defer func() { _ = reader.Close() }()
	if reader.NumRows() != 2 {
		t.Fatalf("NumRows() = %d", reader.NumRows())
	}
	rows := make([]parquet.Row, 2)
	count, err := reader.ReadRows(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("ReadRows() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}

	name := columnIndex(t, reader.Schema(), "Name")
	marks := columnIndex(t, reader.Schema(), "Marks")
	score := columnIndex(t, reader.Schema(), "Score")

	if got := rows[0][name].String(); got != "Alice" {
		t.Fatalf("Name = %q", got)
	}
	if got := rows[0][marks].Int64(); got != 85 {
		t.Fatalf("Marks = %d", got)
	}
	if !rows[1][marks].IsNull() {
		t.Fatalf("Marks = %v, want null", rows[1][marks])
	}
	if got := rows[1][score].Double(); got != 3 {
		t.Fatalf("Score = %v, want widened 3", got)
	}
}

func TestWriteParquetWritesFile(t *testing.T) {
	tbl := table.New("t", []string{"first name", "ok"})
	tbl.Rows = [][]any{{"Ann", true}}

	var buf bytes.Buffer
	if err := WriteParquet(&buf, tbl); err != nil {
		t.Fatalf("WriteParquet() error = %v", err)
	}
	file, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if file.NumRows() != 1 {
		t.Fatalf("NumRows() = %d", file.NumRows())
	}
	if _, ok := file.Schema().Lookup("first_name"); !ok {
		t.Fatal("expected sanitized column first_name")
	}
}

func TestEncodeTableToParquetRejectsEmptyTable(t *testing.T) {
	if _, err := EncodeTableToParquet(table.New("t", nil)); err == nil {
		t.Fatal("expected error for table without columns")
	}
	if _, err := EncodeTableToParquet(nil); err == nil {
		t.Fatal("expected error for nil table")
	}
}

func columnIndex(t *testing.T, schema *parquet.Schema, name string) int {
	t.Helper()
	leaf, ok := schema.Lookup(name)
	if !ok {
		t.Fatalf("column %q missing", name)
	}
	return leaf.ColumnIndex
}
