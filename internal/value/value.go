// Package value implements NSDb's tagged primitive type, the comparisons
// over it, and the numeric operations aggregates are built from (§4.1).
package value

import (
	"fmt"
	"math/big"
	"strings"
)

// Tag identifies which variant a Value holds.
type Tag int

const (
	Int Tag = iota
	Float
	Decimal
	String
)

func (t Tag) String() string {
	switch t {
	case Int:
		return "int"
	case Float:
		return "float"
	case Decimal:
		return "decimal"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a tagged union over NSDb's four primitive types. Exactly one of
// the typed fields is meaningful, selected by Tag.
type Value struct {
	Tag     Tag
	IntVal  int64
	FltVal  float64
	DecVal  *big.Rat
	StrVal  string
}

func NewInt(v int64) Value        { return Value{Tag: Int, IntVal: v} }
func NewFloat(v float64) Value     { return Value{Tag: Float, FltVal: v} }
func NewString(v string) Value     { return Value{Tag: String, StrVal: v} }
func NewDecimal(v *big.Rat) Value  { return Value{Tag: Decimal, DecVal: v} }

// IsNumeric reports whether v can participate in aggregate arithmetic.
func (v Value) IsNumeric() bool {
	return v.Tag == Int || v.Tag == Float || v.Tag == Decimal
}

// AsFloat widens any numeric Value to a float64, used by aggregates that
// don't need arbitrary precision (avg, min, max over mixed int/float).
func (v Value) AsFloat() float64 {
	switch v.Tag {
	case Int:
		return float64(v.IntVal)
	case Float:
		return v.FltVal
	case Decimal:
		f, _ := v.DecVal.Float64()
		return f
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.Tag {
	case Int:
		return fmt.Sprintf("%d", v.IntVal)
	case Float:
		return fmt.Sprintf("%g", v.FltVal)
	case Decimal:
		return v.DecVal.RatString()
	case String:
		return v.StrVal
	default:
		return ""
	}
}

// Ordering is the result of Compare.
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
	Incomparable
)

// Compare implements §4.1's compare(a, b). Mixed-tag comparisons are
// Incomparable unless both sides are numeric, in which case they are
// compared by widened float value.
func Compare(a, b Value) Ordering {
	if a.Tag != b.Tag {
		if a.IsNumeric() && b.IsNumeric() {
			return compareFloats(a.AsFloat(), b.AsFloat())
		}
		return Incomparable
	}
	switch a.Tag {
	case Int:
		return compareFloats(float64(a.IntVal), float64(b.IntVal))
	case Float:
		return compareFloats(a.FltVal, b.FltVal)
	case Decimal:
		switch a.DecVal.Cmp(b.DecVal) {
		case -1:
			return Less
		case 0:
			return Equal
		default:
			return Greater
		}
	case String:
		switch strings.Compare(a.StrVal, b.StrVal) {
		case -1:
			return Less
		case 0:
			return Equal
		default:
			return Greater
		}
	default:
		return Incomparable
	}
}

func compareFloats(a, b float64) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}

// MatchesWildcard implements §4.1's matches_wildcard(str, pattern), where
// '$' and '%' both mean "zero or more of any character".
func MatchesWildcard(str, pattern string) bool {
	segments := splitWildcard(pattern)
	if len(segments) == 0 {
		return str == pattern
	}

	anchoredStart := !strings.HasPrefix(pattern, "$") && !strings.HasPrefix(pattern, "%")
	anchoredEnd := !strings.HasSuffix(pattern, "$") && !strings.HasSuffix(pattern, "%")

	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		idx := strings.Index(str[pos:], seg)
		if idx < 0 {
			return false
		}
		if i == 0 && anchoredStart && idx != 0 {
			return false
		}
		pos += idx + len(seg)
	}
	if anchoredEnd {
		last := segments[len(segments)-1]
		if !strings.HasSuffix(str, last) {
			return false
		}
	}
	return true
}

// splitWildcard splits pattern on any run of '$'/'%' wildcard characters.
func splitWildcard(pattern string) []string {
	isWild := func(r rune) bool { return r == '$' || r == '%' }
	return strings.FieldsFunc(pattern, isWild)
}

// SortKey returns a byte representation of v that is stable across restarts
// (§4.1's to_sort_key). Within one tag, String keys sort like Compare, and so
// do Int keys for values in [-2^62, 2^62) and Float keys while v+2^40 is
// non-negative and fits the fixed width. Decimal keys are the rational's
// RatString form, which does not sort numerically.
func SortKey(v Value) []byte {
	switch v.Tag {
	case String:
		return []byte(v.StrVal)
	case Int:
		return []byte(fmt.Sprintf("%020d", v.IntVal+1<<62))
	case Float:
		return []byte(fmt.Sprintf("%024.8f", v.FltVal+1<<40))
	case Decimal:
		return []byte(v.DecVal.RatString())
	default:
		return nil
	}
}

// Add, Min, Max, Div implement the numeric operations aggregates rely on
// (§4.1). All four operate on widened float64 values; NSDb's aggregates
// never need decimal-precise sums.
func Add(a, b Value) Value   { return NewFloat(a.AsFloat() + b.AsFloat()) }
func Min(a, b Value) Value {
	if a.AsFloat() <= b.AsFloat() {
		return a
	}
	return b
}
func Max(a, b Value) Value {
	if a.AsFloat() >= b.AsFloat() {
		return a
	}
	return b
}
func Div(a Value, n int64) Value {
	if n == 0 {
		return NewFloat(0)
	}
	return NewFloat(a.AsFloat() / float64(n))
}
