package nsql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelectRangeQuery(t *testing.T) {
	stmt, err := Parse("SELECT * FROM people WHERE timestamp >= 10 AND timestamp <= 20")
	require.NoError(t, err)
	sel, ok := stmt.(*SelectStatement)
	require.True(t, ok)
	assert.Equal(t, "people", sel.Metric)
	assert.Nil(t, sel.Fields)

	and, ok := sel.Condition.(And)
	require.True(t, ok)
	left, ok := and.Left.(Comparison)
	require.True(t, ok)
	assert.Equal(t, "timestamp", left.Field)
	assert.Equal(t, OpGTE, left.Op)
}

func TestParseOrderLimit(t *testing.T) {
	stmt, err := Parse("SELECT * FROM m ORDER BY timestamp DESC LIMIT 2")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	require.NotNil(t, sel.Order)
	assert.Equal(t, "timestamp", sel.Order.Field)
	assert.Equal(t, Descending, sel.Order.Direction)
	require.NotNil(t, sel.Limit)
	assert.Equal(t, 2, *sel.Limit)

	dir, isTime := sel.TimeOrdering()
	assert.True(t, isTime)
	assert.Equal(t, Descending, dir)
}

func TestParseGroupByTagWithCount(t *testing.T) {
	stmt, err := Parse("SELECT count(*) FROM m GROUP BY city")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	require.Len(t, sel.Fields, 1)
	assert.Equal(t, AggCount, sel.Fields[0].Aggregation)
	gb, ok := sel.GroupBy.(SimpleGroupBy)
	require.True(t, ok)
	assert.Equal(t, "city", gb.Tag)
}

func TestParseTemporalGroupBy(t *testing.T) {
	stmt, err := Parse("SELECT avg(value) FROM m GROUP BY interval 60ms")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	gb, ok := sel.GroupBy.(TemporalGroupBy)
	require.True(t, ok)
	assert.Equal(t, int64(60), gb.IntervalMillis())
}

func TestParseRelativeTime(t *testing.T) {
	stmt, err := Parse("SELECT * FROM m WHERE timestamp >= now - 100 ms")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	cmp, ok := sel.Condition.(Comparison)
	require.True(t, ok)
	rel, ok := cmp.Value.(Relative)
	require.True(t, ok)
	assert.True(t, rel.Negative)
	assert.Equal(t, int64(100), rel.Quantity)
	assert.Equal(t, UnitMillis, rel.Unit)
	assert.Equal(t, int64(900), Resolve(rel, 1000))
}

func TestParseIsNullIsNotNull(t *testing.T) {
	stmt, err := Parse("SELECT * FROM m WHERE a ISNULL AND b ISNOTNULL")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	and := sel.Condition.(And)
	_, ok := and.Left.(Nullable)
	require.True(t, ok)
	not, ok := and.Right.(Not)
	require.True(t, ok)
	_, ok = not.Expr.(Nullable)
	require.True(t, ok)
}

func TestParseBetweenLikeNot(t *testing.T) {
	stmt, err := Parse("SELECT * FROM m WHERE NOT (name LIKE '%foo%') AND value BETWEEN 1 AND 10")
	require.NoError(t, err)
	sel := stmt.(*SelectStatement)
	and := sel.Condition.(And)
	not := and.Left.(Not)
	like := not.Expr.(Like)
	assert.Equal(t, "%foo%", like.Pattern)
	rng := and.Right.(Range)
	assert.Equal(t, "value", rng.Field)
}

func TestParseInsert(t *testing.T) {
	stmt, err := Parse(`INSERT INTO people TS 10 DIM (name=A) TAGS (city=X) VAL 1`)
	require.NoError(t, err)
	ins := stmt.(*InsertStatement)
	require.NotNil(t, ins.Timestamp)
	assert.Equal(t, int64(10), *ins.Timestamp)
	require.Len(t, ins.Dimensions, 1)
	assert.Equal(t, "name", ins.Dimensions[0].Name)
	require.Len(t, ins.Tags, 1)
	assert.Equal(t, "city", ins.Tags[0].Name)
}

func TestParseDeleteDrop(t *testing.T) {
	stmt, err := Parse("DELETE FROM m WHERE a = 1")
	require.NoError(t, err)
	_, ok := stmt.(*DeleteStatement)
	require.True(t, ok)

	stmt, err = Parse("DROP METRIC m")
	require.NoError(t, err)
	_, ok = stmt.(*DropStatement)
	require.True(t, ok)
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	_, err := Parse("select * from m where a = 1 and b = 2")
	require.NoError(t, err)
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	_, err := Parse("SELECT * FROM m WHERE a ~ 1")
	require.Error(t, err)
}

func TestRoundTripStringThenParse(t *testing.T) {
	stmt, err := Parse("SELECT * FROM m WHERE timestamp >= 10 AND timestamp <= 20 ORDER BY timestamp DESC LIMIT 2")
	require.NoError(t, err)
	reparsed, err := Parse(stmt.String())
	require.NoError(t, err)
	assert.Equal(t, stmt.String(), reparsed.String())
}

func TestAddConditionsFoldsLeftAndCombinesExisting(t *testing.T) {
	sel := &SelectStatement{Metric: "m"}
	sel.EnrichWithTimeRange("timestamp", 0, 100)
	sel.AddConditions([]SimpleFilter{
		{Field: "a", Op: FilterEQ, Value: Absolute{}},
		{Field: "b", Op: FilterIsNotNull},
	})
	and, ok := sel.Condition.(And)
	require.True(t, ok)
	_, ok = and.Left.(Range)
	require.True(t, ok)
	inner, ok := and.Right.(And)
	require.True(t, ok)
	_, ok = inner.Left.(Equality)
	require.True(t, ok)
	_, ok = inner.Right.(Not)
	require.True(t, ok)
}
