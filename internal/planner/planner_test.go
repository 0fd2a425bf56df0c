package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/schema"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
	"github.com/artur-rashitov/NSDb/internal/value"
)

func peopleSchema(t *testing.T) *schema.Schema {
	t.Helper()
	reg := schema.NewRegistry("db", "ns")
	err := reg.UpdateFromRecord("people", &record.Bit{
		Timestamp:  1,
		Value:      value.NewInt(1),
		Tags:       []record.Field{{Name: "city", Value: value.NewString("rome")}},
		Dimensions: []record.Field{{Name: "name", Value: value.NewString("a")}},
	})
	require.NoError(t, err)
	sch, ok := reg.Get("people")
	require.True(t, ok)
	return sch
}

func TestPlanSimpleQueryWithRange(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT * FROM people WHERE timestamp >= 10 AND timestamp <= 20")
	require.NoError(t, err)

	pq, err := Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.NoError(t, err)
	assert.True(t, pq.Simple)
	assert.Nil(t, pq.Fields)
	assert.Equal(t, 1000, pq.Limit)

	b, ok := pq.Backing.(tsindex.Bool)
	require.True(t, ok)
	require.Len(t, b.Must, 2)
}

func TestPlanPlainSelectStarIsLegal(t *testing.T) {
	sch := peopleSchema(t)
	stmt := &nsql.SelectStatement{Metric: "people"}
	_, err := Plan(stmt, sch, 0, 1000)
	require.NoError(t, err)
}

func TestPlanGroupByTagWithAggregation(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT city, sum(value) FROM people GROUP BY city")
	require.NoError(t, err)

	pq, err := Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.NoError(t, err)
	assert.False(t, pq.Simple)
	require.NotNil(t, pq.Group)
	_, ok := pq.Group.(tsindex.TagGroupBy)
	assert.True(t, ok)
	assert.Equal(t, []string{"city"}, pq.Fields)
	require.Len(t, pq.CollectorSpecs, 1)
	assert.Equal(t, tsindex.AggSum, pq.CollectorSpecs[0].Kind)
}

func TestPlanGlobalAggregationWithoutGroupBy(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT avg(value) FROM people")
	require.NoError(t, err)

	pq, err := Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.NoError(t, err)
	assert.Nil(t, pq.Group)
	require.Len(t, pq.CollectorSpecs, 2) // avg expands to sum+count
}

func TestPlanRejectsNonGlobalAggregationWithoutGroupBy(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT max(value) FROM people")
	require.NoError(t, err)

	_, err = Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.Error(t, err)
	assert.True(t, nsdberr.Is(err, nsdberr.KindPlan))
}

func TestPlanRejectsGroupByOnNonTagField(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT sum(value) FROM people GROUP BY name")
	require.NoError(t, err)

	_, err = Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.Error(t, err)
}

func TestPlanRejectsLikeOnNonStringField(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT * FROM people WHERE value LIKE '%x%'")
	require.NoError(t, err)

	_, err = Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.Error(t, err)
}

func TestPlanRejectsUnknownField(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT * FROM people WHERE nope = 1")
	require.NoError(t, err)

	_, err = Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.Error(t, err)
}

func TestPlanTemporalGroupBy(t *testing.T) {
	sch := peopleSchema(t)
	stmt, err := nsql.Parse("SELECT avg(value) FROM people GROUP BY interval 60ms")
	require.NoError(t, err)

	pq, err := Plan(stmt.(*nsql.SelectStatement), sch, 0, 1000)
	require.NoError(t, err)
	tg, ok := pq.Group.(tsindex.TemporalGroupBy)
	require.True(t, ok)
	assert.Equal(t, int64(60), tg.IntervalMillis)
}
