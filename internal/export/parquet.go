// Package export encodes in-memory tables as parquet files.
package export

import (
	"bytes"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/table"
)

type ParquetResult struct {
	Data        []byte
	Columns     []string
	RecordCount int64
}

// EncodeTableToParquet writes tbl with one optional column per table column.
// Column types follow the inferred column kinds.
func EncodeTableToParquet(tbl *table.Table) (ParquetResult, error) {
	if tbl == nil {
		return ParquetResult{}, fmt.Errorf("table is required")
	}
	if err := tbl.Validate(); err != nil {
		return ParquetResult{}, err
	}
	if len(tbl.Columns) == 0 {
		return ParquetResult{}, fmt.Errorf("table has no columns")
	}
	columns, err := store.SanitizeColumns(tbl.Columns)
	if err != nil {
		return ParquetResult{}, err
	}
	kinds := tbl.ColumnKinds()

	group := parquet.Group{}
	for i, column := range columns {
		group[column] = parquet.Optional(parquetNode(kinds[i]))
	}
	name := tbl.Name
	if name == "" {
		name = "table"
	}
	schema := parquet.NewSchema(name, group)

	indexes := make([]int, len(columns))
	for i, column := range columns {
		leaf, ok := schema.Lookup(column)
		if !ok {
			return ParquetResult{}, fmt.Errorf("column %q missing from parquet schema", column)
		}
		indexes[i] = leaf.ColumnIndex
	}

	rows := make([]parquet.Row, 0, len(tbl.Rows))
	for _, values := range tbl.Rows {
		row := make(parquet.Row, len(columns))
		for i, value := range values {
			row[indexes[i]] = parquetValue(value, kinds[i]).Level(0, definitionLevel(value), indexes[i])
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return ParquetResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetResult{
		Data:        buf.Bytes(),
		Columns:     columns,
		RecordCount: int64(len(rows)),
	}, nil
}

// WriteParquet encodes tbl and writes the parquet file to w.
func WriteParquet(w io.Writer, tbl *table.Table) error {
	result, err := EncodeTableToParquet(tbl)
	if err != nil {
		return err
	}
	if _, err := w.Write(result.Data); err != nil {
		return fmt.Errorf("write parquet file: %w", err)
	}
	return nil
}

func parquetNode(kind table.Kind) parquet.Node {
	switch kind {
	case table.KindBool:
		return parquet.Leaf(parquet.BooleanType)
	case table.KindInteger:
		return parquet.Int(64)
	case table.KindReal:
		return parquet.Leaf(parquet.DoubleType)
	default:
		return parquet.String()
	}
}

func parquetValue(value any, kind table.Kind) parquet.Value {
	if value == nil {
		return parquet.NullValue()
	}
	switch kind {
	case table.KindBool:
		if v, ok := value.(bool); ok {
			return parquet.BooleanValue(v)
		}
	case table.KindInteger:
		if v, ok := value.(int64); ok {
			return parquet.Int64Value(v)
		}
	case table.KindReal:
		switch v := value.(type) {
		case float64:
			return parquet.DoubleValue(v)
		case int64:
			return parquet.DoubleValue(float64(v))
		}
	}
	if s, ok := value.(string); ok {
		return parquet.ByteArrayValue([]byte(s))
	}
	return parquet.ByteArrayValue([]byte(fmt.Sprint(value)))
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}
