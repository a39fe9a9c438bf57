package ingest

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/table"
)

var (
	ErrMissingInput      = errors.New("no file supplied")
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// FormatError reports content that could not be parsed in its declared format.
type FormatError struct {
	Format Format
	Line   int
	Err    error
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed %s input at line %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("malformed %s input: %v", e.Format, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
)

// Upload is a file handed over by the caller. Filename selects the format.
type Upload struct {
	Filename string
	Body     io.Reader
}

func DetectFormat(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	switch ext {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Ingest parses upload into a table named declaredName. It has no side effects
// besides consuming upload.Body.
func Ingest(upload Upload, declaredName string) (*table.Table, error) {
	if upload.Body == nil || strings.TrimSpace(upload.Filename) == "" {
		return nil, ErrMissingInput
	}
	format, err := DetectFormat(upload.Filename)
	if err != nil {
		observability.ObserveIngest("unknown", "unsupported")
		return nil, err
	}

	var tbl *table.Table
	switch format {
	case FormatJSON:
		tbl, err = readJSON(upload.Body, declaredName)
	case FormatCSV:
		tbl, err = readCSV(upload.Body, declaredName)
	case FormatXLSX:
		tbl, err = readXLSX(upload.Body, declaredName)
	case FormatXLS:
		tbl, err = readXLS(upload.Body, declaredName)
	}
	if err != nil {
		observability.ObserveIngest(string(format), "error")
		return nil, err
	}
	if err := tbl.Validate(); err != nil {
		observability.ObserveIngest(string(format), "error")
		return nil, &FormatError{Format: format, Err: err}
	}
	observability.ObserveIngest(string(format), "ok")
	return tbl, nil
}

// fromRecords builds a table from a header row and text records. Short rows are
// padded with nulls; non-empty cells past the header width are rejected.
func fromRecords(format Format, name string, header []string, records [][]string) (*table.Table, error) {
	tbl := table.New(name, headerNames(header))
	for i, record := range records {
		values := make([]any, len(tbl.Columns))
		for j, cell := range record {
			if j >= len(values) {
				if strings.TrimSpace(cell) != "" {
					return nil, &FormatError{Format: format, Line: i + 2, Err: fmt.Errorf("row has %d cells, header has %d", len(record), len(values))}
				}
				continue
			}
			values[j] = table.InferScalar(cell)
		}
		if err := tbl.AppendRow(values); err != nil {
			return nil, &FormatError{Format: format, Line: i + 2, Err: err}
		}
	}
	return tbl, nil
}

// headerNames names blank header cells "Unnamed: i" and disambiguates repeats as
// "name.1", "name.2".
func headerNames(header []string) []string {
	names := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, raw := range header {
		name := strings.TrimSpace(raw)
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		base := name
		for {
			count, ok := seen[name]
			if !ok {
				break
			}
			seen[name] = count + 1
			name = base + "." + strconv.Itoa(count+1)
		}
		seen[name] = 0
		names[i] = name
	}
	return names
}
