// Package sqlguard accepts only single read-only SELECT statements over one
// known table and re-renders them in canonical form.
package sqlguard

import (
	"strconv"
	"strings"
)

var forbiddenKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "ALTER": {}, "CREATE": {},
	"REPLACE": {}, "ATTACH": {}, "DETACH": {}, "PRAGMA": {}, "VACUUM": {}, "TRUNCATE": {},
	"MERGE": {}, "GRANT": {}, "REVOKE": {}, "REINDEX": {}, "UPSERT": {}, "COPY": {},
}

var reservedKeywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "GROUP": {}, "BY": {}, "HAVING": {}, "ORDER": {},
	"LIMIT": {}, "OFFSET": {}, "AS": {}, "ON": {}, "JOIN": {}, "INNER": {}, "LEFT": {},
	"RIGHT": {}, "FULL": {}, "CROSS": {}, "OUTER": {}, "NATURAL": {}, "UNION": {},
	"INTERSECT": {}, "EXCEPT": {}, "AND": {}, "OR": {}, "NOT": {}, "LIKE": {}, "IN": {},
	"IS": {}, "NULL": {}, "BETWEEN": {}, "DISTINCT": {}, "ALL": {}, "ASC": {}, "DESC": {},
	"TRUE": {}, "FALSE": {}, "CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {}, "END": {},
	"WITH": {},
}

var joinKeywords = map[string]struct{}{
	"JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {}, "NATURAL": {},
}

var compoundKeywords = map[string]struct{}{
	"UNION": {}, "INTERSECT": {}, "EXCEPT": {},
}

var aggregateFuncs = map[string]struct{}{
	"COUNT": {}, "SUM": {}, "AVG": {}, "MIN": {}, "MAX": {},
}

var comparisonOps = map[string]string{
	"=": "=", "==": "=", "!=": "<>", "<>": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
}

type exprContext struct {
	clause         string
	allowAggregate bool
	allowAlias     bool
}

type parser struct {
	tokens      []token
	pos         int
	table       string
	columns     map[string]string
	aliases     map[string]string
	qualifiers  []token
	hasStar     bool
	itemCount   int
	tableAlias  string
	schemaTable string
}

// Parse validates text against the grammar and resolves every identifier
// against schema. Any statement outside the grammar yields a *RejectedError.
func Parse(text string, schema Schema) (*Select, error) {
	if strings.TrimSpace(schema.Table) == "" {
		return nil, reject(0, "no table is available to query")
	}
	tokens, err := lex(text)
	if err != nil {
		return nil, err
	}

	end := len(tokens) - 1
	for end > 0 && tokens[end-1].is(";") {
		end--
	}
	eof := tokens[len(tokens)-1]
	tokens = append(tokens[:end:end], eof)
	if len(tokens) == 1 {
		return nil, reject(0, "empty statement")
	}

	columns := make(map[string]string, len(schema.Columns))
	for _, column := range schema.Columns {
		columns[strings.ToLower(column)] = column
	}

	for _, tok := range tokens {
		if tok.kind != tokenIdent {
			continue
		}
		keyword := tok.upper()
		if _, forbidden := forbiddenKeywords[keyword]; !forbidden {
			continue
		}
		if _, isColumn := columns[strings.ToLower(tok.text)]; isColumn {
			continue
		}
		return nil, &RejectedError{Reason: "only read-only statements are allowed", Keyword: keyword, Offset: tok.offset}
	}
	for _, tok := range tokens {
		if tok.is(";") {
			return nil, reject(tok.offset, "multiple statements are not allowed")
		}
	}

	p := &parser{
		tokens:      tokens,
		columns:     columns,
		aliases:     map[string]string{},
		schemaTable: schema.Table,
	}
	return p.parseSelect()
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptKeyword(keyword string) bool {
	if p.peek().isKeyword(keyword) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(keyword string) error {
	if !p.acceptKeyword(keyword) {
		return p.unexpected("expected " + keyword)
	}
	return nil
}

func (p *parser) acceptSymbol(symbol string) bool {
	if p.peek().is(symbol) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectSymbol(symbol string) error {
	if !p.acceptSymbol(symbol) {
		return p.unexpected("expected " + strconv.Quote(symbol))
	}
	return nil
}

func (p *parser) unexpected(context string) *RejectedError {
	tok := p.peek()
	if tok.kind == tokenEOF {
		return reject(tok.offset, "%s, found end of statement", context)
	}
	return reject(tok.offset, "%s, found %q", context, tok.text)
}

func (p *parser) parseSelect() (*Select, error) {
	first := p.peek()
	if !first.isKeyword("SELECT") {
		if first.isKeyword("WITH") {
			return nil, reject(first.offset, "common table expressions are not allowed")
		}
		return nil, &RejectedError{Reason: "only SELECT statements are allowed", Keyword: first.upper(), Offset: first.offset}
	}
	p.next()

	stmt := &Select{}
	if p.acceptKeyword("DISTINCT") {
		stmt.Distinct = true
	} else {
		p.acceptKeyword("ALL")
	}

	items, err := p.parseItems()
	if err != nil {
		return nil, err
	}
	stmt.Items = items

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if err := p.parseFrom(); err != nil {
		return nil, err
	}
	stmt.Table = p.table
	if err := p.checkQualifiers(); err != nil {
		return nil, err
	}

	if p.acceptKeyword("WHERE") {
		where, err := p.parseExpr(exprContext{clause: "WHERE"})
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}
	if p.acceptKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		groupBy, err := p.parseGroupBy()
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = groupBy
	}
	if p.acceptKeyword("HAVING") {
		having, err := p.parseExpr(exprContext{clause: "HAVING", allowAggregate: true, allowAlias: true})
		if err != nil {
			return nil, err
		}
		stmt.Having = having
	}
	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		orderBy, err := p.parseOrderBy()
		if err != nil {
			return nil, err
		}
		stmt.OrderBy = orderBy
	}
	if p.acceptKeyword("LIMIT") {
		limit, err := p.parseCount("LIMIT")
		if err != nil {
			return nil, err
		}
		stmt.Limit = &limit
		if p.acceptKeyword("OFFSET") {
			offset, err := p.parseCount("OFFSET")
			if err != nil {
				return nil, err
			}
			stmt.Offset = &offset
		}
	}
	if err := p.checkQualifiers(); err != nil {
		return nil, err
	}

	tok := p.peek()
	if tok.kind != tokenEOF {
		if _, ok := compoundKeywords[tok.upper()]; ok {
			return nil, &RejectedError{Reason: "compound statements are not allowed", Keyword: tok.upper(), Offset: tok.offset}
		}
		return nil, p.unexpected("unexpected trailing input")
	}
	return stmt, nil
}

func (p *parser) parseItems() ([]SelectItem, error) {
	var items []SelectItem
	for {
		item, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if item.Alias != "" {
			p.aliases[strings.ToLower(item.Alias)] = item.Alias
		}
		if !p.acceptSymbol(",") {
			break
		}
	}
	p.itemCount = len(items)
	return items, nil
}

func (p *parser) parseItem() (SelectItem, error) {
	if p.acceptSymbol("*") {
		p.hasStar = true
		return SelectItem{Star: true}, nil
	}
	if tok := p.peek(); (tok.kind == tokenIdent || tok.kind == tokenQuoted) && p.peekAt(1).is(".") && p.peekAt(2).is("*") {
		p.qualifiers = append(p.qualifiers, tok)
		p.pos += 3
		p.hasStar = true
		return SelectItem{Star: true}, nil
	}

	expr, err := p.parseOperand(exprContext{clause: "SELECT", allowAggregate: true})
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Expr: expr}
	if p.acceptKeyword("AS") {
		alias, err := p.parseAliasName()
		if err != nil {
			return SelectItem{}, err
		}
		item.Alias = alias
	} else if tok := p.peek(); tok.kind == tokenIdent && !isReserved(tok) {
		p.next()
		item.Alias = tok.text
	}
	return item, nil
}

func (p *parser) parseAliasName() (string, error) {
	tok := p.peek()
	switch {
	case tok.kind == tokenIdent && !isReserved(tok), tok.kind == tokenQuoted, tok.kind == tokenString:
		p.next()
		return tok.text, nil
	default:
		return "", p.unexpected("expected alias")
	}
}

func (p *parser) parseFrom() error {
	tok := p.peek()
	if tok.is("(") {
		return reject(tok.offset, "subqueries are not allowed")
	}
	if tok.kind != tokenQuoted && (tok.kind != tokenIdent || isReserved(tok)) {
		return p.unexpected("expected table name")
	}
	p.next()
	if p.peek().is(".") {
		return reject(tok.offset, "qualified table names are not allowed")
	}
	if !strings.EqualFold(tok.text, p.schemaTable) {
		return &RejectedError{Reason: "only table " + strconv.Quote(p.schemaTable) + " may be queried", Keyword: tok.text, Offset: tok.offset}
	}
	p.table = p.schemaTable

	if p.acceptKeyword("AS") {
		alias, err := p.parseAliasName()
		if err != nil {
			return err
		}
		p.tableAlias = alias
	} else if next := p.peek(); next.kind == tokenIdent && !isReserved(next) {
		p.next()
		p.tableAlias = next.text
	}

	next := p.peek()
	if next.is(",") {
		return reject(next.offset, "joins are not allowed")
	}
	if _, ok := joinKeywords[next.upper()]; ok {
		return &RejectedError{Reason: "joins are not allowed", Keyword: next.upper(), Offset: next.offset}
	}
	return nil
}

func (p *parser) checkQualifiers() error {
	if p.table == "" {
		return nil
	}
	for _, qualifier := range p.qualifiers {
		if strings.EqualFold(qualifier.text, p.table) {
			continue
		}
		if p.tableAlias != "" && strings.EqualFold(qualifier.text, p.tableAlias) {
			continue
		}
		return reject(qualifier.offset, "unknown table %q", qualifier.text)
	}
	p.qualifiers = nil
	return nil
}

func (p *parser) parseGroupBy() ([]Expr, error) {
	var exprs []Expr
	for {
		expr, err := p.parseOrdinalOr(exprContext{clause: "GROUP BY", allowAlias: true})
		if err != nil {
			return nil, err
		}
		switch expr.(type) {
		case ColumnRef, AliasRef, Literal:
		default:
			return nil, reject(p.peek().offset, "GROUP BY accepts only columns")
		}
		exprs = append(exprs, expr)
		if !p.acceptSymbol(",") {
			return exprs, nil
		}
	}
}

func (p *parser) parseOrderBy() ([]OrderItem, error) {
	var items []OrderItem
	for {
		expr, err := p.parseOrdinalOr(exprContext{clause: "ORDER BY", allowAggregate: true, allowAlias: true})
		if err != nil {
			return nil, err
		}
		item := OrderItem{Expr: expr}
		if p.acceptKeyword("DESC") {
			item.Desc = true
		} else {
			p.acceptKeyword("ASC")
		}
		items = append(items, item)
		if !p.acceptSymbol(",") {
			return items, nil
		}
	}
}

// parseOrdinalOr reads a positional reference into the select list or an operand.
func (p *parser) parseOrdinalOr(ctx exprContext) (Expr, error) {
	tok := p.peek()
	if tok.kind != tokenNumber {
		return p.parseOperand(ctx)
	}
	p.next()
	ordinal, err := strconv.Atoi(tok.text)
	if err != nil || ordinal < 1 || (!p.hasStar && ordinal > p.itemCount) {
		return nil, reject(tok.offset, "%s position %s is out of range", ctx.clause, tok.text)
	}
	return Literal{Kind: LiteralNumber, Text: strconv.Itoa(ordinal)}, nil
}

func (p *parser) parseCount(clause string) (int64, error) {
	tok := p.peek()
	if tok.kind != tokenNumber {
		return 0, p.unexpected(clause + " expects a number")
	}
	p.next()
	value, err := strconv.ParseInt(tok.text, 10, 64)
	if err != nil || value < 0 {
		return 0, reject(tok.offset, "%s expects a non-negative integer", clause)
	}
	return value, nil
}

func (p *parser) parseExpr(ctx exprContext) (Expr, error) {
	left, err := p.parseAnd(ctx)
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd(ctx)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(ctx exprContext) (Expr, error) {
	left, err := p.parseNot(ctx)
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseNot(ctx)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot(ctx exprContext) (Expr, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseNot(ctx)
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	return p.parsePredicate(ctx)
}

func (p *parser) parsePredicate(ctx exprContext) (Expr, error) {
	left, err := p.parseOperand(ctx)
	if err != nil {
		return nil, err
	}

	negate := false
	if p.peek().isKeyword("NOT") {
		switch p.peekAt(1).upper() {
		case "LIKE", "IN", "BETWEEN":
			p.next()
			negate = true
		}
	}

	tok := p.peek()
	if op, ok := comparisonOps[tok.text]; ok && tok.kind == tokenSymbol && !negate {
		p.next()
		right, err := p.parseOperand(ctx)
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, Left: left, Right: right}, nil
	}

	switch tok.upper() {
	case "LIKE":
		p.next()
		right, err := p.parseOperand(ctx)
		if err != nil {
			return nil, err
		}
		op := "LIKE"
		if negate {
			op = "NOT LIKE"
		}
		return Binary{Op: op, Left: left, Right: right}, nil
	case "IN":
		p.next()
		values, err := p.parseInList(ctx)
		if err != nil {
			return nil, err
		}
		return InList{Expr: left, Negate: negate, Values: values}, nil
	case "BETWEEN":
		p.next()
		low, err := p.parseOperand(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseOperand(ctx)
		if err != nil {
			return nil, err
		}
		return Between{Expr: left, Negate: negate, Low: low, High: high}, nil
	case "IS":
		p.next()
		isNot := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return IsNull{Expr: left, Negate: isNot}, nil
	}
	return left, nil
}

func (p *parser) parseInList(ctx exprContext) ([]Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.isKeyword("SELECT") {
		return nil, reject(tok.offset, "subqueries are not allowed")
	}
	var values []Expr
	for {
		value, err := p.parseOperand(ctx)
		if err != nil {
			return nil, err
		}
		if _, ok := value.(Literal); !ok {
			return nil, reject(p.peek().offset, "IN accepts only literal values")
		}
		values = append(values, value)
		if !p.acceptSymbol(",") {
			break
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return values, nil
}

func (p *parser) parseOperand(ctx exprContext) (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenEOF:
		return nil, p.unexpected("expected expression")
	case tokenNumber:
		p.next()
		return Literal{Kind: LiteralNumber, Text: tok.text}, nil
	case tokenString:
		p.next()
		return Literal{Kind: LiteralString, Text: tok.text}, nil
	case tokenSymbol:
		switch tok.text {
		case "(":
			if p.peekAt(1).isKeyword("SELECT") {
				return nil, reject(tok.offset, "subqueries are not allowed")
			}
			p.next()
			inner, err := p.parseExpr(ctx)
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return Paren{Expr: inner}, nil
		case "-":
			if num := p.peekAt(1); num.kind == tokenNumber {
				p.pos += 2
				return Literal{Kind: LiteralNumber, Text: "-" + num.text}, nil
			}
		}
		return nil, p.unexpected("expected expression")
	}

	keyword := tok.upper()
	switch keyword {
	case "NULL":
		p.next()
		return Literal{Kind: LiteralNull, Text: "NULL"}, nil
	case "TRUE", "FALSE":
		p.next()
		return Literal{Kind: LiteralBool, Text: keyword}, nil
	}
	if tok.kind == tokenIdent && p.peekAt(1).is("(") {
		if _, ok := aggregateFuncs[keyword]; ok {
			return p.parseAggregate(ctx)
		}
		return nil, &RejectedError{Reason: "function is not allowed", Keyword: keyword, Offset: tok.offset}
	}

	p.next()
	if p.peek().is(".") {
		p.next()
		qualified := p.peek()
		if qualified.kind != tokenIdent && qualified.kind != tokenQuoted {
			return nil, p.unexpected("expected column name")
		}
		p.next()
		p.qualifiers = append(p.qualifiers, tok)
		column, ok := p.columns[strings.ToLower(qualified.text)]
		if !ok {
			return nil, reject(qualified.offset, "unknown column %q", qualified.text)
		}
		return ColumnRef{Name: column}, nil
	}
	return p.resolveName(tok, ctx)
}

func (p *parser) parseAggregate(ctx exprContext) (Expr, error) {
	name := p.next()
	fn := name.upper()
	if !ctx.allowAggregate {
		return nil, &RejectedError{Reason: "aggregate functions are not allowed in " + ctx.clause, Keyword: fn, Offset: name.offset}
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	agg := Aggregate{Func: fn}
	if p.acceptSymbol("*") {
		if fn != "COUNT" {
			return nil, reject(name.offset, "%s(*) is not allowed", fn)
		}
		agg.Star = true
	} else {
		agg.Distinct = p.acceptKeyword("DISTINCT")
		arg, err := p.parseOperand(exprContext{clause: fn, allowAlias: false})
		if err != nil {
			return nil, err
		}
		switch typed := arg.(type) {
		case ColumnRef:
		case Literal:
			if typed.Kind != LiteralNumber {
				return nil, reject(name.offset, "%s accepts only a column", fn)
			}
		default:
			return nil, reject(name.offset, "%s accepts only a column", fn)
		}
		agg.Arg = arg
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return agg, nil
}

// resolveName maps a bare or quoted name onto a column or alias. A double-quoted
// name matching neither is read as a string literal.
func (p *parser) resolveName(tok token, ctx exprContext) (Expr, error) {
	if column, ok := p.columns[strings.ToLower(tok.text)]; ok {
		return ColumnRef{Name: column}, nil
	}
	if ctx.allowAlias {
		if alias, ok := p.aliases[strings.ToLower(tok.text)]; ok {
			return AliasRef{Name: alias}, nil
		}
	}
	if tok.kind == tokenQuoted && tok.quote == '"' {
		return Literal{Kind: LiteralString, Text: tok.text}, nil
	}
	if tok.kind == tokenIdent && isReserved(tok) {
		return nil, &RejectedError{Reason: "unexpected keyword", Keyword: tok.upper(), Offset: tok.offset}
	}
	return nil, reject(tok.offset, "unknown column %q", tok.text)
}

func isReserved(tok token) bool {
	_, ok := reservedKeywords[tok.upper()]
	return ok
}
