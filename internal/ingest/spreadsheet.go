package ingest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/tabletalk/tabletalk/internal/table"
)

func readXLSX(r io.Reader, name string) (*table.Table, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FormatError{Format: FormatXLSX, Err: err}
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, &FormatError{Format: FormatXLSX, Err: fmt.Errorf("workbook has no sheets")}
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, &FormatError{Format: FormatXLSX, Err: fmt.Errorf("read sheet %q: %w", sheets[0], err)}
	}
	if len(rows) == 0 {
		return table.New(name, nil), nil
	}
	return fromRecords(FormatXLSX, name, rows[0], rows[1:])
}

func readXLS(r io.Reader, name string) (tbl *table.Table, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &FormatError{Format: FormatXLS, Err: err}
	}

	// The BIFF decoder panics on some truncated inputs.
	defer func() {
		if recovered := recover(); recovered != nil {
			tbl = nil
			err = &FormatError{Format: FormatXLS, Err: fmt.Errorf("unreadable workbook: %v", recovered)}
		}
	}()

	book, err := xls.OpenReader(bytes.NewReader(raw), "utf-8")
	if err != nil {
		return nil, &FormatError{Format: FormatXLS, Err: err}
	}
	sheet := book.GetSheet(0)
	if sheet == nil {
		return nil, &FormatError{Format: FormatXLS, Err: fmt.Errorf("workbook has no sheets")}
	}

	rows := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheetRow(sheet, i)
		if row == nil {
			continue
		}
		cells := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return table.New(name, nil), nil
	}
	return fromRecords(FormatXLS, name, rows[0], rows[1:])
}

// sheetRow returns nil for rows the sheet never recorded. The decoder
// dereferences a missing map entry, so blank rows surface as a panic.
func sheetRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}
