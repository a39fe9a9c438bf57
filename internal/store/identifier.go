package store

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

const (
	maxColumnNameLength = 128
	maxTableNameLength  = 63
)

// ValidateName checks a store/relation name. Names are used verbatim as file
// names and SQL identifiers, so anything outside the pattern is rejected.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q: use letters, digits and underscores, starting with a letter or underscore (max 63)", name)
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return fmt.Errorf("invalid table name %q: the sqlite_ prefix is reserved", name)
	}
	return nil
}

// SanitizeColumns maps ingested column names onto identifiers the store accepts.
// Disallowed characters become underscores and case-insensitive collisions get
// numeric suffixes. The result is positionally aligned with columns.
func SanitizeColumns(columns []string) ([]string, error) {
	out := make([]string, len(columns))
	used := make(map[string]struct{}, len(columns))
	for i, column := range columns {
		base := sanitizeColumn(column, i)
		if len(base) > maxColumnNameLength {
			return nil, fmt.Errorf("column %q exceeds %d characters", column, maxColumnNameLength)
		}
		name := base
		for suffix := 2; ; suffix++ {
			if _, taken := used[strings.ToLower(name)]; !taken {
				break
			}
			name = base + "_" + strconv.Itoa(suffix)
		}
		used[strings.ToLower(name)] = struct{}{}
		out[i] = name
	}
	return out, nil
}

// NameFromFile derives a valid table name from an upload's file name stem,
// applying the same character rules as column sanitizing.
func NameFromFile(filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	name := sanitizeIdentifier(stem)
	if name == "" {
		name = "table"
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		name = "t_" + name
	}
	if len(name) > maxTableNameLength {
		name = strings.TrimRight(name[:maxTableNameLength], "_")
	}
	return name
}

func sanitizeColumn(column string, index int) string {
	name := sanitizeIdentifier(column)
	if name == "" {
		return "column_" + strconv.Itoa(index+1)
	}
	return name
}

// sanitizeIdentifier returns "" when nothing usable is left.
func sanitizeIdentifier(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
