package sqlguard

import "fmt"

// RejectedError reports a statement that falls outside the read-only grammar.
type RejectedError struct {
	Reason  string
	Keyword string
	Offset  int
}

func (e *RejectedError) Error() string {
	if e.Keyword != "" {
		return fmt.Sprintf("statement rejected: %s (%s)", e.Reason, e.Keyword)
	}
	return "statement rejected: " + e.Reason
}

func reject(offset int, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: fmt.Sprintf(format, args...), Offset: offset}
}
