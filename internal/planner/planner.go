// Package planner implements the Statement Planner (§4.7): the pure
// (SelectStatement, Schema, now) → PhysicalQuery lowering step between the
// parsed AST and the Index Engine's physical query language.
package planner

import (
	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/schema"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
	"github.com/artur-rashitov/NSDb/internal/value"
)

// AggregatedField describes one projected aggregated output (§3
// "Aggregation"): its source field, its requested Aggregation, and the
// output name it should be reported under (e.g. "avg(value)").
type AggregatedField struct {
	Output      string
	Aggregation nsql.Aggregation
	Field       string
}

// PhysicalQuery is the planner's output (§4.7): a backing index query plus
// everything the coordinator needs to execute and merge it.
type PhysicalQuery struct {
	Backing  tsindex.Query
	Simple   bool // no aggregation: projection-only query
	Fields   []string
	Distinct bool

	Group          tsindex.GroupBy
	Aggregations   []AggregatedField
	CollectorSpecs []tsindex.AggSpec

	Sort  *nsql.Ordering
	Limit int
}

// Plan lowers stmt against sch, resolving relative times against now and
// applying defaultLimit when the statement has neither an explicit LIMIT
// nor an aggregation (§4.7 rule 7).
func Plan(stmt *nsql.SelectStatement, sch *schema.Schema, now int64, defaultLimit int) (*PhysicalQuery, error) {
	backing, err := lowerExpr(stmt.Condition, sch, now)
	if err != nil {
		return nil, err
	}
	if backing == nil {
		backing = tsindex.MatchAll{}
	}

	pq := &PhysicalQuery{Backing: backing, Distinct: stmt.Distinct, Sort: stmt.Order}

	allFields := len(stmt.Fields) == 0
	var aggFields []AggregatedField
	var plainFields []string
	for _, f := range stmt.Fields {
		if f.Aggregation == nsql.AggNone {
			plainFields = append(plainFields, f.Name)
			continue
		}
		if f.Name != "*" {
			if err := requireField(sch, f.Name); err != nil {
				return nil, err
			}
		}
		if f.Aggregation != nsql.AggCount {
			if err := requireNumeric(sch, f.Name); err != nil {
				return nil, err
			}
		}
		aggFields = append(aggFields, AggregatedField{
			Output:      f.String(),
			Aggregation: f.Aggregation,
			Field:       f.Name,
		})
	}

	// allFields and a non-empty aggFields can never both hold: aggFields is
	// built only by ranging over stmt.Fields, which is empty exactly when
	// allFields is true. The dialect's `(* | field_list)` grammar makes
	// "SELECT *, sum(value)" unparseable in the first place (§13 decided
	// question 1), so there is no AllFields+aggregation case to reject here.

	if len(aggFields) == 0 {
		pq.Simple = true
		if !allFields {
			for _, name := range plainFields {
				if err := requireField(sch, name); err != nil {
					return nil, err
				}
			}
			pq.Fields = plainFields
		}
		pq.Limit = resolveLimit(stmt.Limit, defaultLimit, false)
		return pq, nil
	}

	group, err := lowerGroupBy(stmt.GroupBy, sch)
	if err != nil {
		return nil, err
	}
	if group == nil {
		for _, af := range aggFields {
			if !af.Aggregation.IsGlobal() {
				return nil, nsdberr.New(nsdberr.KindPlan,
					"aggregation %q requires GROUP BY (only count/avg are legal without it)", af.Aggregation)
			}
		}
	}

	for _, name := range plainFields {
		if err := requireField(sch, name); err != nil {
			return nil, err
		}
	}

	pq.Group = group
	pq.Fields = plainFields // usually just the GROUP BY tag; the coordinator reports the bucket key under "group" instead
	pq.Aggregations = aggFields
	pq.CollectorSpecs = collectorSpecs(aggFields)
	pq.Limit = resolveLimit(stmt.Limit, defaultLimit, true)
	return pq, nil
}

// collectorSpecs flattens the requested AggregatedFields into the
// deduplicated tsindex.AggSpecs a Collector needs, expanding `avg` into its
// {count, sum} components (§4.7 rule 5).
func collectorSpecs(fields []AggregatedField) []tsindex.AggSpec {
	seen := make(map[tsindex.AggSpec]bool)
	var specs []tsindex.AggSpec
	add := func(field string, kind tsindex.AggKind) {
		spec := tsindex.AggSpec{Field: field, Kind: kind}
		if !seen[spec] {
			seen[spec] = true
			specs = append(specs, spec)
		}
	}
	for _, f := range fields {
		switch f.Aggregation {
		case nsql.AggCount:
			add(f.Field, tsindex.AggCount)
		case nsql.AggSum:
			add(f.Field, tsindex.AggSum)
		case nsql.AggMin:
			add(f.Field, tsindex.AggMin)
		case nsql.AggMax:
			add(f.Field, tsindex.AggMax)
		case nsql.AggFirst:
			add(f.Field, tsindex.AggFirst)
		case nsql.AggLast:
			add(f.Field, tsindex.AggLast)
		case nsql.AggAvg:
			add(f.Field, tsindex.AggSum)
			add(f.Field, tsindex.AggCount)
		}
	}
	return specs
}

func lowerGroupBy(gb nsql.GroupBy, sch *schema.Schema) (tsindex.GroupBy, error) {
	if gb == nil {
		return nil, nil
	}
	switch v := gb.(type) {
	case nsql.SimpleGroupBy:
		ft, ok := sch.FieldType(v.Tag)
		if !ok {
			return nil, nsdberr.New(nsdberr.KindPlan, "unknown field %q", v.Tag)
		}
		if ft.Kind != schema.KindTag {
			return nil, nsdberr.New(nsdberr.KindPlan, "GROUP BY on non-tag field %q", v.Tag)
		}
		return tsindex.TagGroupBy{Field: v.Tag}, nil
	case nsql.TemporalGroupBy:
		return tsindex.TemporalGroupBy{IntervalMillis: v.IntervalMillis()}, nil
	default:
		return nil, nsdberr.New(nsdberr.KindPlan, "unsupported GROUP BY clause")
	}
}

func resolveLimit(explicit *int, defaultLimit int, aggregated bool) int {
	if explicit != nil {
		return *explicit
	}
	if aggregated {
		return 0
	}
	return defaultLimit
}

func requireField(sch *schema.Schema, name string) error {
	if name == "timestamp" || name == "value" {
		return nil
	}
	if _, ok := sch.FieldType(name); !ok {
		return nsdberr.New(nsdberr.KindPlan, "unknown field %q", name)
	}
	return nil
}

func requireNumeric(sch *schema.Schema, name string) error {
	if name == "value" {
		return nil
	}
	ft, ok := sch.FieldType(name)
	if !ok {
		return nsdberr.New(nsdberr.KindPlan, "unknown field %q", name)
	}
	if ft.Type != value.Int && ft.Type != value.Float && ft.Type != value.Decimal {
		return nsdberr.New(nsdberr.KindPlan, "aggregation on non-numeric field %q", name)
	}
	return nil
}

// LowerCondition lowers a bare condition expression into a physical index
// query, independent of a full SelectStatement plan. The Read Coordinator's
// delete path uses this directly (§4.8: "a DeleteStatement is lowered to a
// backing query per the same rules, without projection/limit/order").
func LowerCondition(cond nsql.Expr, sch *schema.Schema, now int64) (tsindex.Query, error) {
	q, err := lowerExpr(cond, sch, now)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return tsindex.MatchAll{}, nil
	}
	return q, nil
}

// lowerExpr translates a condition expression into the Index Engine's
// physical query language (§4.7 rule 2).
func lowerExpr(e nsql.Expr, sch *schema.Schema, now int64) (tsindex.Query, error) {
	if e == nil {
		return nil, nil
	}
	switch v := e.(type) {
	case nsql.Equality:
		if err := requireField(sch, v.Field); err != nil {
			return nil, err
		}
		return tsindex.Term{Field: v.Field, Value: resolveValue(v.Value, now)}, nil
	case nsql.Comparison:
		if err := requireField(sch, v.Field); err != nil {
			return nil, err
		}
		val := resolveValue(v.Value, now)
		switch v.Op {
		case nsql.OpLT:
			return tsindex.RangeQuery{Field: v.Field, To: val, ToSet: true, ToIncl: false}, nil
		case nsql.OpLTE:
			return tsindex.RangeQuery{Field: v.Field, To: val, ToSet: true, ToIncl: true}, nil
		case nsql.OpGT:
			return tsindex.RangeQuery{Field: v.Field, From: val, FromSet: true, FromIncl: false}, nil
		case nsql.OpGTE:
			return tsindex.RangeQuery{Field: v.Field, From: val, FromSet: true, FromIncl: true}, nil
		default:
			return nil, nsdberr.New(nsdberr.KindPlan, "unsupported comparison operator on %q", v.Field)
		}
	case nsql.Range:
		if err := requireField(sch, v.Field); err != nil {
			return nil, err
		}
		return tsindex.RangeQuery{
			Field: v.Field, From: resolveValue(v.From, now), To: resolveValue(v.To, now),
			FromSet: true, ToSet: true, FromIncl: true, ToIncl: true,
		}, nil
	case nsql.Like:
		ft, ok := sch.FieldType(v.Field)
		if !ok {
			return nil, nsdberr.New(nsdberr.KindPlan, "unknown field %q", v.Field)
		}
		if ft.Type != value.String {
			return nil, nsdberr.New(nsdberr.KindPlan, "LIKE on non-string field %q", v.Field)
		}
		// §4.7 rule 2: "$"/"%" already mean zero-or-more at the Value
		// Model layer (value.MatchesWildcard), so no further translation
		// to a single wildcard character is needed before handing the
		// pattern to the index.
		return tsindex.Wildcard{Field: v.Field, Pattern: v.Pattern}, nil
	case nsql.Nullable:
		if err := requireField(sch, v.Field); err != nil {
			return nil, err
		}
		return tsindex.Bool{MustNot: []tsindex.Query{tsindex.Exists{Field: v.Field}}}, nil
	case nsql.Not:
		inner, err := lowerExpr(v.Expr, sch, now)
		if err != nil {
			return nil, err
		}
		return tsindex.Bool{MustNot: []tsindex.Query{inner}}, nil
	case nsql.And:
		left, err := lowerExpr(v.Left, sch, now)
		if err != nil {
			return nil, err
		}
		right, err := lowerExpr(v.Right, sch, now)
		if err != nil {
			return nil, err
		}
		return tsindex.Bool{Must: []tsindex.Query{left, right}}, nil
	case nsql.Or:
		left, err := lowerExpr(v.Left, sch, now)
		if err != nil {
			return nil, err
		}
		right, err := lowerExpr(v.Right, sch, now)
		if err != nil {
			return nil, err
		}
		return tsindex.Bool{Should: []tsindex.Query{left, right}}, nil
	default:
		return nil, nsdberr.New(nsdberr.KindPlan, "unsupported expression %T", e)
	}
}

func resolveValue(cv nsql.ComparisonValue, now int64) value.Value {
	switch v := cv.(type) {
	case nsql.Absolute:
		return v.Value
	case nsql.Relative:
		return value.NewInt(nsql.Resolve(v, now))
	default:
		return value.Value{}
	}
}
