package sqlguard

import (
	"strconv"
	"strings"
)

// Schema is the single relation a statement may read.
type Schema struct {
	Table   string
	Columns []string
}

// Select is a parsed read-only statement. Identifiers are already resolved
// against the schema, so rendering never emits anything the parser did not see.
type Select struct {
	Distinct bool
	Items    []SelectItem
	Table    string
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    *int64
	Offset   *int64
}

type SelectItem struct {
	Star  bool
	Expr  Expr
	Alias string
}

type OrderItem struct {
	Expr Expr
	Desc bool
}

// Expr is a node of the restricted expression grammar.
type Expr interface {
	render(b *strings.Builder)
}

type ColumnRef struct {
	Name string
}

type AliasRef struct {
	Name string
}

type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralNull
	LiteralBool
)

type Literal struct {
	Kind LiteralKind
	Text string
}

type Aggregate struct {
	Func     string
	Distinct bool
	Star     bool
	Arg      Expr
}

type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

type Not struct {
	Expr Expr
}

type Paren struct {
	Expr Expr
}

type InList struct {
	Expr   Expr
	Negate bool
	Values []Expr
}

type IsNull struct {
	Expr   Expr
	Negate bool
}

type Between struct {
	Expr   Expr
	Negate bool
	Low    Expr
	High   Expr
}

// SQL renders the canonical statement text.
func (s *Select) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, item := range s.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		if item.Star {
			b.WriteString("*")
			continue
		}
		item.Expr.render(&b)
		if item.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(quoteIdent(item.Alias))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(s.Table))
	if s.Where != nil {
		b.WriteString(" WHERE ")
		s.Where.render(&b)
	}
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		renderList(&b, s.GroupBy)
	}
	if s.Having != nil {
		b.WriteString(" HAVING ")
		s.Having.render(&b)
	}
	if len(s.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, item := range s.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			item.Expr.render(&b)
			if item.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	if s.Limit != nil {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.FormatInt(*s.Limit, 10))
		if s.Offset != nil {
			b.WriteString(" OFFSET ")
			b.WriteString(strconv.FormatInt(*s.Offset, 10))
		}
	}
	return b.String()
}

// CapLimit lowers the statement limit to max unless it already asks for fewer rows.
func (s *Select) CapLimit(max int64) {
	if max <= 0 {
		return
	}
	if s.Limit == nil || *s.Limit > max {
		limit := max
		s.Limit = &limit
	}
}

func renderList(b *strings.Builder, exprs []Expr) {
	for i, expr := range exprs {
		if i > 0 {
			b.WriteString(", ")
		}
		expr.render(b)
	}
}

func (c ColumnRef) render(b *strings.Builder) {
	b.WriteString(quoteIdent(c.Name))
}

func (a AliasRef) render(b *strings.Builder) {
	b.WriteString(quoteIdent(a.Name))
}

func (l Literal) render(b *strings.Builder) {
	switch l.Kind {
	case LiteralString:
		b.WriteString("'")
		b.WriteString(strings.ReplaceAll(l.Text, "'", "''"))
		b.WriteString("'")
	default:
		b.WriteString(l.Text)
	}
}

func (a Aggregate) render(b *strings.Builder) {
	b.WriteString(a.Func)
	b.WriteString("(")
	if a.Star {
		b.WriteString("*")
	} else {
		if a.Distinct {
			b.WriteString("DISTINCT ")
		}
		a.Arg.render(b)
	}
	b.WriteString(")")
}

func (e Binary) render(b *strings.Builder) {
	e.Left.render(b)
	b.WriteString(" ")
	b.WriteString(e.Op)
	b.WriteString(" ")
	e.Right.render(b)
}

func (n Not) render(b *strings.Builder) {
	b.WriteString("NOT ")
	n.Expr.render(b)
}

func (p Paren) render(b *strings.Builder) {
	b.WriteString("(")
	p.Expr.render(b)
	b.WriteString(")")
}

func (in InList) render(b *strings.Builder) {
	in.Expr.render(b)
	if in.Negate {
		b.WriteString(" NOT")
	}
	b.WriteString(" IN (")
	renderList(b, in.Values)
	b.WriteString(")")
}

func (n IsNull) render(b *strings.Builder) {
	n.Expr.render(b)
	if n.Negate {
		b.WriteString(" IS NOT NULL")
		return
	}
	b.WriteString(" IS NULL")
}

func (e Between) render(b *strings.Builder) {
	e.Expr.render(b)
	if e.Negate {
		b.WriteString(" NOT")
	}
	b.WriteString(" BETWEEN ")
	e.Low.render(b)
	b.WriteString(" AND ")
	e.High.render(b)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
