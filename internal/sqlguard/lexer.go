package sqlguard

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenQuoted
	tokenString
	tokenNumber
	tokenSymbol
)

type token struct {
	kind tokenKind
	text string
	// quote is the opening delimiter of a quoted identifier: '"', '`' or '['.
	quote  byte
	offset int
}

// upper returns the keyword form of a bare identifier.
func (t token) upper() string {
	if t.kind != tokenIdent {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (t token) is(symbol string) bool {
	return t.kind == tokenSymbol && t.text == symbol
}

func (t token) isKeyword(keyword string) bool {
	return t.upper() == keyword
}

var twoCharSymbols = map[string]struct{}{
	"==": {}, "!=": {}, "<>": {}, "<=": {}, ">=": {}, "||": {},
}

const oneCharSymbols = "=<>(),*.;+-/%"

func lex(input string) ([]token, error) {
	tokens := make([]token, 0, len(input)/3)
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(input) && input[i+1] == '-',
			c == '/' && i+1 < len(input) && input[i+1] == '*':
			return nil, reject(i, "comments are not allowed")
		case c == '\'':
			text, next, err := readDelimited(input, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: text, offset: i})
			i = next
		case c == '"' || c == '`':
			text, next, err := readDelimited(input, i, c)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenQuoted, text: text, quote: c, offset: i})
			i = next
		case c == '[':
			end := strings.IndexByte(input[i+1:], ']')
			if end < 0 {
				return nil, reject(i, "unterminated identifier")
			}
			tokens = append(tokens, token{kind: tokenQuoted, text: input[i+1 : i+1+end], quote: '[', offset: i})
			i += end + 2
		case isDigit(c) || (c == '.' && i+1 < len(input) && isDigit(input[i+1])):
			next := readNumber(input, i)
			tokens = append(tokens, token{kind: tokenNumber, text: input[i:next], offset: i})
			i = next
		case isIdentStart(rune(c)) || c >= 0x80:
			start := i
			for i < len(input) {
				r, size := utf8.DecodeRuneInString(input[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			if start == i {
				r, _ := utf8.DecodeRuneInString(input[start:])
				return nil, reject(start, "unexpected character %q", r)
			}
			tokens = append(tokens, token{kind: tokenIdent, text: input[start:i], offset: start})
		default:
			if i+1 < len(input) {
				if _, ok := twoCharSymbols[input[i:i+2]]; ok {
					tokens = append(tokens, token{kind: tokenSymbol, text: input[i : i+2], offset: i})
					i += 2
					continue
				}
			}
			if strings.IndexByte(oneCharSymbols, c) < 0 {
				return nil, reject(i, "unexpected character %q", c)
			}
			tokens = append(tokens, token{kind: tokenSymbol, text: string(c), offset: i})
			i++
		}
	}
	return append(tokens, token{kind: tokenEOF, offset: len(input)}), nil
}

// readDelimited reads a quoted run where a doubled delimiter escapes itself.
func readDelimited(input string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(input) {
		if input[i] == delim {
			if i+1 < len(input) && input[i+1] == delim {
				b.WriteByte(delim)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(input[i])
		i++
	}
	if delim == '\'' {
		return "", 0, reject(start, "unterminated string literal")
	}
	return "", 0, reject(start, "unterminated identifier")
}

func readNumber(input string, start int) int {
	i := start
	for i < len(input) && isDigit(input[i]) {
		i++
	}
	if i < len(input) && input[i] == '.' {
		i++
		for i < len(input) && isDigit(input[i]) {
			i++
		}
	}
	if i < len(input) && (input[i] == 'e' || input[i] == 'E') {
		j := i + 1
		if j < len(input) && (input[j] == '+' || input[j] == '-') {
			j++
		}
		if j < len(input) && isDigit(input[j]) {
			i = j
			for i < len(input) && isDigit(input[i]) {
				i++
			}
		}
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
