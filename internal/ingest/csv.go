package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/tabletalk/tabletalk/internal/table"
)

// readCSV fails fast on the first malformed record instead of skipping it.
func readCSV(r io.Reader, name string) (*table.Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = ','
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Format: FormatCSV, Err: fmt.Errorf("missing header row")}
		}
		return nil, csvFormatError(err)
	}

	records := make([][]string, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvFormatError(err)
		}
		records = append(records, record)
	}
	return fromRecords(FormatCSV, name, header, records)
}

func csvFormatError(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return &FormatError{Format: FormatCSV, Line: parseErr.Line, Err: parseErr.Err}
	}
	return &FormatError{Format: FormatCSV, Err: err}
}
