package store

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"Students", "_tmp", "t1", "a_b_c"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q) error = %v", name, err)
		}
	}
	invalid := []string{"", "9lives", "has space", "semi;colon", "quote\"d", "SQLITE_x",
		"abcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcdefghijabcd"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Fatalf("ValidateName(%q) expected error", name)
		}
	}
}

func TestSanitizeColumnsDeduplicatesCaseInsensitively(t *testing.T) {
	got, err := SanitizeColumns([]string{"Name", "name", "NAME", "a.b", "  ", "%%"})
	if err != nil {
		t.Fatalf("SanitizeColumns() error = %v", err)
	}
	want := []string{"Name", "name_2", "NAME_3", "a_b", "column_5", "column_6"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SanitizeColumns() = %v, want %v", got, want)
		}
	}
}

func TestNameFromFileProducesValidNames(t *testing.T) {
	cases := map[string]string{
		"sales-2024.csv":       "sales_2024",
		"my data.xlsx":         "my_data",
		"2024 report.json":     "_2024_report",
		"sqlite_master.csv":    "t_sqlite_master",
		"---.csv":              "table",
		"/tmp/uploads/Grades.": "Grades",
	}
	for filename, want := range cases {
		got := NameFromFile(filename)
		if got != want {
			t.Fatalf("NameFromFile(%q) = %q, want %q", filename, got, want)
		}
		if err := ValidateName(got); err != nil {
			t.Fatalf("ValidateName(NameFromFile(%q)) error = %v", filename, err)
		}
	}

	long := NameFromFile(strings.Repeat("x", 100) + ".csv")
	if len(long) != maxTableNameLength {
		t.Fatalf("NameFromFile(long) length = %d", len(long))
	}
	if err := ValidateName(long); err != nil {
		t.Fatalf("ValidateName(long) error = %v", err)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`a"b`); got != `"a""b"` {
		t.Fatalf("QuoteIdent() = %s", got)
	}
}
