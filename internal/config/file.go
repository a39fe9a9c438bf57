package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// readFile loads a flat YAML mapping of TABLETALK_* keys to scalar values.
func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	values := make(map[string]string, len(doc))
	for key, value := range doc {
		switch typed := value.(type) {
		case string:
			values[key] = typed
		case bool:
			values[key] = strconv.FormatBool(typed)
		case int:
			values[key] = strconv.Itoa(typed)
		case float64:
			values[key] = strconv.FormatFloat(typed, 'f', -1, 64)
		case nil:
			values[key] = ""
		default:
			return nil, fmt.Errorf("config key %s must be a scalar", key)
		}
	}
	return values, nil
}

// layered consults lookup first and falls back to file values.
func layered(lookup LookupFunc, file map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := file[strings.TrimSpace(key)]
		return value, ok
	}
}
