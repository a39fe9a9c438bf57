package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tabletalk/tabletalk/internal/table"
)

type field struct {
	key   string
	value any
}

// object keeps JSON keys in document order.
type object []field

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func readJSON(r io.Reader, name string) (*table.Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	doc, err := decodeValue(dec)
	if err != nil {
		return nil, &FormatError{Format: FormatJSON, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &FormatError{Format: FormatJSON, Err: fmt.Errorf("unexpected data after top-level value")}
	}

	var records []object
	switch typed := doc.(type) {
	case object:
		records = []object{typed}
	case []any:
		records = make([]object, 0, len(typed))
		for i, item := range typed {
			obj, ok := item.(object)
			if !ok {
				return nil, &FormatError{Format: FormatJSON, Err: fmt.Errorf("element %d is not an object", i)}
			}
			records = append(records, obj)
		}
	default:
		return nil, &FormatError{Format: FormatJSON, Err: fmt.Errorf("top-level value must be an object or an array of objects")}
	}

	columns := make([]string, 0)
	index := map[string]int{}
	flatRows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		flat := map[string]any{}
		if err := flatten("", record, flat, func(key string) {
			if _, ok := index[key]; !ok {
				index[key] = len(columns)
				columns = append(columns, key)
			}
		}); err != nil {
			return nil, &FormatError{Format: FormatJSON, Err: err}
		}
		flatRows = append(flatRows, flat)
	}

	tbl := table.New(name, columns)
	for _, flat := range flatRows {
		values := make([]any, len(columns))
		for key, value := range flat {
			values[index[key]] = value
		}
		if err := tbl.AppendRow(values); err != nil {
			return nil, &FormatError{Format: FormatJSON, Err: err}
		}
	}
	return tbl, nil
}

// flatten writes nested objects as dotted keys. Arrays are kept as JSON text.
func flatten(prefix string, obj object, out map[string]any, seen func(string)) error {
	for _, f := range obj {
		key := f.key
		if prefix != "" {
			key = prefix + "." + f.key
		}
		switch typed := f.value.(type) {
		case object:
			if len(typed) == 0 {
				continue
			}
			if err := flatten(key, typed, out, seen); err != nil {
				return err
			}
		case []any:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return fmt.Errorf("encode array at %q: %w", key, err)
			}
			seen(key)
			out[key] = string(encoded)
		default:
			seen(key)
			out[key] = typed
		}
	}
	return nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty document")
		}
		return nil, err
	}
	switch typed := tok.(type) {
	case json.Delim:
		switch typed {
		case '{':
			obj := object{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string")
				}
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, field{key: key, value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := make([]any, 0)
			for dec.More() {
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", typed)
		}
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i, nil
		}
		f, err := typed.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", typed.String(), err)
		}
		return f, nil
	default:
		return typed, nil
	}
}
