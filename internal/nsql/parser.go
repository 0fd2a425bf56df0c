package nsql

import (
	"strconv"
	"strings"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/value"
)

// Parser is a hand-written recursive-descent parser for the §6 dialect.
// Keywords are normalized case-insensitively at the lexer; identifiers are
// left as written (§4.2: "normalize case-insensitively for keywords only").
type Parser struct {
	lex  *lexer
	cur  token
	peek token
}

// NewParser returns a Parser over src.
func NewParser(src string) *Parser {
	p := &Parser{lex: newLexer(src)}
	p.cur = p.lex.next()
	p.peek = p.lex.next()
	return p
}

// Parse parses a single statement.
func Parse(src string) (Statement, error) {
	p := NewParser(src)
	stmt, err := p.ParseStatement()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokEOF {
		return nil, parseErr("unexpected trailing input near %q", p.cur.lit)
	}
	return stmt, nil
}

func parseErr(format string, args ...interface{}) error {
	return nsdberr.New(nsdberr.KindParse, format, args...)
}

func (p *Parser) advance() {
	p.cur = p.peek
	p.peek = p.lex.next()
}

func (p *Parser) expect(t tokenType, what string) (token, error) {
	if p.cur.typ != t {
		return token{}, parseErr("expected %s, got %q", what, p.cur.lit)
	}
	tok := p.cur
	p.advance()
	return tok, nil
}

// ParseStatement dispatches on the leading keyword, rejecting anything that
// isn't one of §6's four statement forms.
func (p *Parser) ParseStatement() (Statement, error) {
	switch p.cur.typ {
	case tokSELECT:
		return p.parseSelect()
	case tokINSERT:
		return p.parseInsert()
	case tokDELETE:
		return p.parseDelete()
	case tokDROP:
		return p.parseDrop()
	default:
		return nil, parseErr("expected SELECT, INSERT, DELETE or DROP, got %q", p.cur.lit)
	}
}

func (p *Parser) parseSelect() (*SelectStatement, error) {
	p.advance() // SELECT
	stmt := &SelectStatement{}

	if p.cur.typ == tokDISTINCT {
		stmt.Distinct = true
		p.advance()
	}

	fields, err := p.parseSelectedFields()
	if err != nil {
		return nil, err
	}
	stmt.Fields = fields

	if _, err := p.expect(tokFROM, "FROM"); err != nil {
		return nil, err
	}
	metric, err := p.expect(tokIdent, "metric name")
	if err != nil {
		return nil, err
	}
	stmt.Metric = metric.lit

	if p.cur.typ == tokWHERE {
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Condition = cond
	}

	if p.cur.typ == tokGROUP {
		p.advance()
		if _, err := p.expect(tokBY, "BY"); err != nil {
			return nil, err
		}
		gb, err := p.parseGroupBy()
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = gb
	}

	if p.cur.typ == tokORDER {
		p.advance()
		if _, err := p.expect(tokBY, "BY"); err != nil {
			return nil, err
		}
		field, err := p.expect(tokIdent, "order field")
		if err != nil {
			return nil, err
		}
		dir := Ascending
		switch p.cur.typ {
		case tokASC:
			p.advance()
		case tokDESC:
			dir = Descending
			p.advance()
		}
		stmt.Order = &Ordering{Field: field.lit, Direction: dir}
	}

	if p.cur.typ == tokLIMIT {
		p.advance()
		n, err := p.expect(tokNumber, "limit")
		if err != nil {
			return nil, err
		}
		limit, convErr := strconv.Atoi(n.lit)
		if convErr != nil {
			return nil, parseErr("invalid LIMIT %q", n.lit)
		}
		stmt.Limit = &limit
	}

	return stmt, nil
}

func (p *Parser) parseSelectedFields() ([]SelectedField, error) {
	if p.cur.typ == tokStar {
		p.advance()
		return nil, nil
	}

	var fields []SelectedField
	for {
		f, err := p.parseSelectedField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		if p.cur.typ != tokComma {
			break
		}
		p.advance()
	}
	return fields, nil
}

var aggKeywords = map[string]Aggregation{
	"count": AggCount, "sum": AggSum, "min": AggMin, "max": AggMax,
	"first": AggFirst, "last": AggLast, "avg": AggAvg,
}

func (p *Parser) parseSelectedField() (SelectedField, error) {
	name, err := p.expect(tokIdent, "field name")
	if err != nil {
		return SelectedField{}, err
	}
	if agg, ok := aggKeywords[strings.ToLower(name.lit)]; ok && p.cur.typ == tokLParen {
		p.advance()
		inner, err := p.parseFieldRef()
		if err != nil {
			return SelectedField{}, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return SelectedField{}, err
		}
		return SelectedField{Name: inner, Aggregation: agg}, nil
	}
	return SelectedField{Name: name.lit}, nil
}

// parseFieldRef accepts a bare identifier or `*` (for count(*)).
func (p *Parser) parseFieldRef() (string, error) {
	if p.cur.typ == tokStar {
		p.advance()
		return "*", nil
	}
	tok, err := p.expect(tokIdent, "field reference")
	if err != nil {
		return "", err
	}
	return tok.lit, nil
}

func (p *Parser) parseGroupBy() (GroupBy, error) {
	if strings.EqualFold(p.cur.lit, "interval") {
		p.advance()
		n, err := p.expect(tokNumber, "interval quantity")
		if err != nil {
			return nil, err
		}
		qty, convErr := strconv.ParseInt(n.lit, 10, 64)
		if convErr != nil {
			return nil, parseErr("invalid interval quantity %q", n.lit)
		}
		unit, err := p.parseTimeUnit()
		if err != nil {
			return nil, err
		}
		return TemporalGroupBy{Quantity: qty, Unit: unit}, nil
	}
	tag, err := p.expect(tokIdent, "group-by tag")
	if err != nil {
		return nil, err
	}
	return SimpleGroupBy{Tag: tag.lit}, nil
}

// parseTimeUnit consumes the unit identifier following a quantity, e.g. the
// "ms" in "interval 60ms" or the "min" in "now - 5 min".
func (p *Parser) parseTimeUnit() (TimeUnit, error) {
	tok, err := p.expect(tokIdent, "time unit")
	if err != nil {
		return 0, err
	}
	unit, ok := timeUnits[strings.ToLower(tok.lit)]
	if !ok {
		return 0, parseErr("unknown time unit %q", tok.lit)
	}
	return unit, nil
}

func (p *Parser) parseInsert() (*InsertStatement, error) {
	p.advance() // INSERT
	if _, err := p.expect(tokINTO, "INTO"); err != nil {
		return nil, err
	}
	metric, err := p.expect(tokIdent, "metric name")
	if err != nil {
		return nil, err
	}
	stmt := &InsertStatement{Metric: metric.lit}

	if p.cur.typ == tokTS {
		p.advance()
		n, err := p.expect(tokNumber, "timestamp")
		if err != nil {
			return nil, err
		}
		ts, convErr := strconv.ParseInt(n.lit, 10, 64)
		if convErr != nil {
			return nil, parseErr("invalid TS %q", n.lit)
		}
		stmt.Timestamp = &ts
	}

	if p.cur.typ == tokDIM {
		p.advance()
		assigns, err := p.parseAssignList()
		if err != nil {
			return nil, err
		}
		stmt.Dimensions = assigns
	}

	if p.cur.typ == tokTAGS {
		p.advance()
		assigns, err := p.parseAssignList()
		if err != nil {
			return nil, err
		}
		stmt.Tags = assigns
	}

	if _, err := p.expect(tokVAL, "VAL"); err != nil {
		return nil, err
	}
	val, err := p.parseLiteralValue()
	if err != nil {
		return nil, err
	}
	stmt.Value = val
	return stmt, nil
}

func (p *Parser) parseAssignList() ([]FieldAssign, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	var assigns []FieldAssign
	for {
		name, err := p.expect(tokIdent, "field name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokEQ, "="); err != nil {
			return nil, err
		}
		val, err := p.parseLiteralValue()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, FieldAssign{Name: name.lit, Value: val})
		if p.cur.typ != tokComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return assigns, nil
}

func (p *Parser) parseDelete() (*DeleteStatement, error) {
	p.advance() // DELETE
	if _, err := p.expect(tokFROM, "FROM"); err != nil {
		return nil, err
	}
	metric, err := p.expect(tokIdent, "metric name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokWHERE, "WHERE"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &DeleteStatement{Metric: metric.lit, Condition: cond}, nil
}

func (p *Parser) parseDrop() (*DropStatement, error) {
	p.advance() // DROP
	if _, err := p.expect(tokMETRIC, "METRIC"); err != nil {
		return nil, err
	}
	metric, err := p.expect(tokIdent, "metric name")
	if err != nil {
		return nil, err
	}
	return &DropStatement{Metric: metric.lit}, nil
}

// --- Expression grammar: orExpr -> andExpr -> notExpr -> primaryExpr,
// giving AND higher precedence than OR and NOT higher than AND, the usual
// SQL boolean precedence. Parenthesization is preserved via explicit
// left-associative And/Or reconstruction (§4.2).

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokOR {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokAND {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.cur.typ == tokNOT {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	if p.cur.typ == tokLParen {
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	field, err := p.expect(tokIdent, "field")
	if err != nil {
		return nil, err
	}

	switch p.cur.typ {
	case tokEQ:
		p.advance()
		cv, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return Equality{Field: field.lit, Value: cv}, nil
	case tokLT, tokLTE, tokGT, tokGTE:
		op := map[tokenType]CompareOp{tokLT: OpLT, tokLTE: OpLTE, tokGT: OpGT, tokGTE: OpGTE}[p.cur.typ]
		p.advance()
		cv, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return Comparison{Field: field.lit, Op: op, Value: cv}, nil
	case tokBETWEEN:
		p.advance()
		from, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokAND, "AND"); err != nil {
			return nil, err
		}
		to, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return Range{Field: field.lit, From: from, To: to}, nil
	case tokLIKE:
		p.advance()
		lit, err := p.expect(tokString, "LIKE pattern")
		if err != nil {
			return nil, err
		}
		return Like{Field: field.lit, Pattern: lit.lit}, nil
	case tokISNULL:
		p.advance()
		return Nullable{Field: field.lit}, nil
	case tokISNOTNULL:
		p.advance()
		return Not{Expr: Nullable{Field: field.lit}}, nil
	default:
		return nil, parseErr("unknown operator near %q", p.cur.lit)
	}
}

// parseComparisonValue parses either `now ± quantity unit` or a literal.
func (p *Parser) parseComparisonValue() (ComparisonValue, error) {
	if p.cur.typ == tokNOW {
		p.advance()
		negative := false
		switch p.cur.typ {
		case tokPlus:
			p.advance()
		case tokMinus:
			negative = true
			p.advance()
		default:
			return nil, parseErr("expected + or - after now, got %q", p.cur.lit)
		}
		n, err := p.expect(tokNumber, "quantity")
		if err != nil {
			return nil, err
		}
		qty, convErr := strconv.ParseInt(n.lit, 10, 64)
		if convErr != nil {
			return nil, parseErr("invalid quantity %q", n.lit)
		}
		unit, err := p.parseTimeUnit()
		if err != nil {
			return nil, err
		}
		return Relative{Negative: negative, Quantity: qty, Unit: unit}, nil
	}

	v, err := p.parseLiteralValue()
	if err != nil {
		return nil, err
	}
	return Absolute{Value: v}, nil
}

func (p *Parser) parseLiteralValue() (value.Value, error) {
	switch p.cur.typ {
	case tokNumber:
		lit := p.cur.lit
		p.advance()
		if strings.Contains(lit, ".") {
			f, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return value.Value{}, parseErr("invalid float %q", lit)
			}
			return value.NewFloat(f), nil
		}
		i, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return value.Value{}, parseErr("invalid int %q", lit)
		}
		return value.NewInt(i), nil
	case tokString, tokIdent:
		lit := p.cur.lit
		p.advance()
		return value.NewString(lit), nil
	case tokMinus:
		p.advance()
		v, err := p.parseLiteralValue()
		if err != nil {
			return value.Value{}, err
		}
		if v.Tag == value.Int {
			return value.NewInt(-v.IntVal), nil
		}
		return value.NewFloat(-v.AsFloat()), nil
	default:
		return value.Value{}, parseErr("expected literal, got %q", p.cur.lit)
	}
}
