package nl2sql

import (
	"fmt"
	"strings"
)

const promptTemplate = `You are an expert in converting English questions to SQL queries.
For example, if the SQL database has a table named Students with the columns name, class, address, roll, phone_number:
Example 1 - How many entries of records are present?
The SQL command will be: SELECT COUNT(*) FROM Students;
Example 2 - Tell me all the students studying in class 10A.
The SQL command will be: SELECT * FROM Students where CLASS="10A";
The table name is %s and the columns are [%s].
Answer with a single SELECT statement over that table only.
The SQL must not start or end with ` + "```" + ` and must not contain the word sql as a prefix.`

// BuildPrompt renders the instruction text for one table. Names are reduced to
// identifier characters before they are embedded.
func BuildPrompt(tableName string, columns []string) string {
	names := make([]string, 0, len(columns))
	for _, column := range columns {
		if name := identifierOnly(column); name != "" {
			names = append(names, name)
		}
	}
	return fmt.Sprintf(promptTemplate, identifierOnly(tableName), strings.Join(names, ", "))
}

func identifierOnly(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return -1
		}
	}, value)
}

// StripFences removes markdown code fences and a leading sql/sqlite tag from
// model output.
func StripFences(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = stripLanguageTag(strings.TrimSpace(trimmed))
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.ReplaceAll(trimmed, "```", "")
	return strings.TrimSpace(trimmed)
}

func stripLanguageTag(value string) string {
	for _, tag := range []string{"sqlite", "sql"} {
		if len(value) < len(tag) || !strings.EqualFold(value[:len(tag)], tag) {
			continue
		}
		rest := value[len(tag):]
		if rest == "" {
			return ""
		}
		switch rest[0] {
		case ' ', '\t', '\r', '\n', ':':
			return strings.TrimPrefix(strings.TrimSpace(rest), ":")
		}
	}
	return value
}
