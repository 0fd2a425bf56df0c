// Package nsql implements NSDb's statement AST (§3, §4.2) and the parser for
// the SQL dialect of §6.
package nsql

import (
	"fmt"
	"strings"

	"github.com/artur-rashitov/NSDb/internal/value"
)

// Statement is the marker interface for a parsed top-level statement.
type Statement interface {
	statement()
	String() string
}

// Aggregation is the tagged union of §3 "Aggregation".
type Aggregation int

const (
	AggNone Aggregation = iota
	AggCount
	AggSum
	AggMin
	AggMax
	AggFirst
	AggLast
	AggAvg
)

func (a Aggregation) String() string {
	switch a {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggAvg:
		return "avg"
	default:
		return ""
	}
}

// IsGlobal reports whether a is legal without GROUP BY (§4.7 rule 4,
// glossary "Global aggregation").
func (a Aggregation) IsGlobal() bool { return a == AggCount || a == AggAvg }

// SelectedField is one projected field, optionally wrapped in an
// aggregation (§4.7 rule 3 "ListFields").
type SelectedField struct {
	Name        string
	Aggregation Aggregation
}

func (f SelectedField) String() string {
	if f.Aggregation == AggNone {
		return f.Name
	}
	return fmt.Sprintf("%s(%s)", f.Aggregation, f.Name)
}

// Direction is an ORDER BY direction.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Ordering is a SELECT statement's ORDER BY clause.
type Ordering struct {
	Field     string
	Direction Direction
}

// TimeUnit is one of §6's relative-time units.
type TimeUnit int

const (
	UnitMillis TimeUnit = iota
	UnitSecond
	UnitMinute
	UnitHour
	UnitDay
)

func (u TimeUnit) Millis() int64 {
	switch u {
	case UnitMillis:
		return 1
	case UnitSecond:
		return 1000
	case UnitMinute:
		return 60 * 1000
	case UnitHour:
		return 60 * 60 * 1000
	case UnitDay:
		return 24 * 60 * 60 * 1000
	default:
		return 1
	}
}

func (u TimeUnit) String() string {
	switch u {
	case UnitMillis:
		return "ms"
	case UnitSecond:
		return "s"
	case UnitMinute:
		return "min"
	case UnitHour:
		return "h"
	case UnitDay:
		return "d"
	default:
		return ""
	}
}

// ComparisonValue is either a literal or a relative-time expression,
// resolved against a caller-supplied clock at plan time (§3).
type ComparisonValue interface {
	comparisonValue()
	String() string
}

// Absolute is a literal ComparisonValue.
type Absolute struct {
	Value value.Value
}

func (Absolute) comparisonValue() {}
func (a Absolute) String() string { return a.Value.String() }

// Relative is a `now ± quantity unit` ComparisonValue (§3, §6).
type Relative struct {
	Negative bool
	Quantity int64
	Unit     TimeUnit
}

func (Relative) comparisonValue() {}
func (r Relative) String() string {
	sign := "+"
	if r.Negative {
		sign = "-"
	}
	return fmt.Sprintf("now %s %d %s", sign, r.Quantity, r.Unit)
}

// Resolve resolves a ComparisonValue to an absolute int64 millisecond
// timestamp against now, implementing §4.7 rule 1.
func Resolve(cv ComparisonValue, now int64) int64 {
	switch v := cv.(type) {
	case Absolute:
		return v.Value.IntVal
	case Relative:
		delta := v.Quantity * v.Unit.Millis()
		if v.Negative {
			return now - delta
		}
		return now + delta
	default:
		return now
	}
}

// CompareOp is a comparison operator (§3 "Comparison").
type CompareOp int

const (
	OpLT CompareOp = iota
	OpLTE
	OpGT
	OpGTE
)

func (o CompareOp) String() string {
	switch o {
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	default:
		return "?"
	}
}

// Expr is the recursive tagged union of §3 "Expression".
type Expr interface {
	expr()
	String() string
}

type Equality struct {
	Field string
	Value ComparisonValue
}

func (Equality) expr() {}
func (e Equality) String() string { return fmt.Sprintf("%s = %s", e.Field, e.Value) }

type Comparison struct {
	Field string
	Op    CompareOp
	Value ComparisonValue
}

func (Comparison) expr() {}
func (e Comparison) String() string { return fmt.Sprintf("%s %s %s", e.Field, e.Op, e.Value) }

type Range struct {
	Field    string
	From, To ComparisonValue
}

func (Range) expr() {}
func (e Range) String() string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", e.Field, e.From, e.To)
}

type Like struct {
	Field   string
	Pattern string
}

func (Like) expr() {}
func (e Like) String() string { return fmt.Sprintf("%s LIKE %q", e.Field, e.Pattern) }

type Nullable struct {
	Field string
}

func (Nullable) expr() {}
func (e Nullable) String() string { return fmt.Sprintf("%s ISNULL", e.Field) }

type Not struct {
	Expr Expr
}

func (Not) expr() {}
func (e Not) String() string { return fmt.Sprintf("NOT (%s)", e.Expr) }

type And struct {
	Left, Right Expr
}

func (And) expr() {}
func (e And) String() string { return fmt.Sprintf("(%s AND %s)", e.Left, e.Right) }

type Or struct {
	Left, Right Expr
}

func (Or) expr() {}
func (e Or) String() string { return fmt.Sprintf("(%s OR %s)", e.Left, e.Right) }

// AndAll left-folds a list of expressions into a single And chain,
// matching §4.2's add_conditions contract.
func AndAll(exprs []Expr) Expr {
	if len(exprs) == 0 {
		return nil
	}
	acc := exprs[0]
	for _, e := range exprs[1:] {
		acc = And{Left: acc, Right: e}
	}
	return acc
}

// CombineAnd AND-combines next onto an existing (possibly nil) condition.
func CombineAnd(existing, next Expr) Expr {
	if existing == nil {
		return next
	}
	return And{Left: existing, Right: next}
}

// GroupBy is the tagged union of §3 "GroupBy".
type GroupBy interface {
	groupBy()
	String() string
}

// SimpleGroupBy groups by a tag's term (§4.7 rule 4).
type SimpleGroupBy struct {
	Tag string
}

func (SimpleGroupBy) groupBy() {}
func (g SimpleGroupBy) String() string { return g.Tag }

// TemporalGroupBy buckets by `floor(timestamp / interval) * interval`
// (§3, §4.7 rule 4).
type TemporalGroupBy struct {
	Quantity int64
	Unit     TimeUnit
}

func (TemporalGroupBy) groupBy() {}
func (g TemporalGroupBy) String() string {
	return fmt.Sprintf("interval %d%s", g.Quantity, g.Unit)
}

// IntervalMillis returns the bucket width in milliseconds.
func (g TemporalGroupBy) IntervalMillis() int64 { return g.Quantity * g.Unit.Millis() }

// SelectStatement is §3's SelectStatement.
type SelectStatement struct {
	Database  string
	Namespace string
	Metric    string
	Distinct  bool
	Fields    []SelectedField
	Condition Expr
	GroupBy   GroupBy
	Order     *Ordering
	Limit     *int
}

func (*SelectStatement) statement() {}

func (s *SelectStatement) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(s.Fields) == 0 {
		b.WriteString("*")
	} else {
		parts := make([]string, len(s.Fields))
		for i, f := range s.Fields {
			parts[i] = f.String()
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, " FROM %s", s.Metric)
	if s.Condition != nil {
		fmt.Fprintf(&b, " WHERE %s", s.Condition)
	}
	if s.GroupBy != nil {
		fmt.Fprintf(&b, " GROUP BY %s", s.GroupBy)
	}
	if s.Order != nil {
		dir := "ASC"
		if s.Order.Direction == Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", s.Order.Field, dir)
	}
	if s.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *s.Limit)
	}
	return b.String()
}

// EnrichWithTimeRange AND-combines an inclusive Range on field with the
// existing condition, implementing §4.2's contract of the same name.
func (s *SelectStatement) EnrichWithTimeRange(field string, from, to int64) {
	r := Range{Field: field, From: Absolute{value.NewInt(from)}, To: Absolute{value.NewInt(to)}}
	s.Condition = CombineAnd(s.Condition, r)
}

// SimpleFilter is one entry for AddConditions: a field compared (by Op) to
// an optional value. A nil Value paired with FilterIsNull/FilterIsNotNull produces a
// Nullable/Not(Nullable) clause (§4.2: "fold ISNULL/ISNOTNULL into
// {Nullable, Not(Nullable)}").
type SimpleFilter struct {
	Field string
	Value ComparisonValue
	Op    FilterOp
}

// FilterOp enumerates the operators AddConditions accepts.
type FilterOp int

const (
	FilterEQ FilterOp = iota
	FilterLT
	FilterLTE
	FilterGT
	FilterGTE
	FilterIsNull
	FilterIsNotNull
)

// AddConditions reduces a list of simple filters into a left-folded And of
// expressions and AND-combines the result with the existing condition
// (§4.2).
func (s *SelectStatement) AddConditions(filters []SimpleFilter) {
	exprs := make([]Expr, 0, len(filters))
	for _, f := range filters {
		switch f.Op {
		case FilterEQ:
			exprs = append(exprs, Equality{Field: f.Field, Value: f.Value})
		case FilterLT:
			exprs = append(exprs, Comparison{Field: f.Field, Op: OpLT, Value: f.Value})
		case FilterLTE:
			exprs = append(exprs, Comparison{Field: f.Field, Op: OpLTE, Value: f.Value})
		case FilterGT:
			exprs = append(exprs, Comparison{Field: f.Field, Op: OpGT, Value: f.Value})
		case FilterGTE:
			exprs = append(exprs, Comparison{Field: f.Field, Op: OpGTE, Value: f.Value})
		case FilterIsNull:
			exprs = append(exprs, Nullable{Field: f.Field})
		case FilterIsNotNull:
			exprs = append(exprs, Not{Expr: Nullable{Field: f.Field}})
		}
	}
	combined := AndAll(exprs)
	if combined == nil {
		return
	}
	s.Condition = CombineAnd(s.Condition, combined)
}

// TimeOrdering yields the statement's order direction iff Order targets the
// timestamp field (§4.2).
func (s *SelectStatement) TimeOrdering() (Direction, bool) {
	if s.Order == nil || s.Order.Field != "timestamp" {
		return Ascending, false
	}
	return s.Order.Direction, true
}

// FieldAssign is one `k=v` pair of an INSERT's DIM/TAGS clause.
type FieldAssign struct {
	Name  string
	Value value.Value
}

// InsertStatement is §3's InsertStatement.
type InsertStatement struct {
	Database   string
	Namespace  string
	Metric     string
	Timestamp  *int64
	Dimensions []FieldAssign
	Tags       []FieldAssign
	Value      value.Value
}

func (*InsertStatement) statement() {}

func (s *InsertStatement) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s", s.Metric)
	if s.Timestamp != nil {
		fmt.Fprintf(&b, " TS %d", *s.Timestamp)
	}
	if len(s.Dimensions) > 0 {
		b.WriteString(" DIM (")
		writeAssigns(&b, s.Dimensions)
		b.WriteString(")")
	}
	if len(s.Tags) > 0 {
		b.WriteString(" TAGS (")
		writeAssigns(&b, s.Tags)
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " VAL %s", s.Value)
	return b.String()
}

func writeAssigns(b *strings.Builder, assigns []FieldAssign) {
	for i, a := range assigns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s=%s", a.Name, a.Value)
	}
}

// DeleteStatement is §3's DeleteStatement.
type DeleteStatement struct {
	Database  string
	Namespace string
	Metric    string
	Condition Expr
}

func (*DeleteStatement) statement() {}
func (s *DeleteStatement) String() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", s.Metric, s.Condition)
}

// DropStatement is §3's DropStatement.
type DropStatement struct {
	Database  string
	Namespace string
	Metric    string
}

func (*DropStatement) statement() {}
func (s *DropStatement) String() string { return fmt.Sprintf("DROP METRIC %s", s.Metric) }
