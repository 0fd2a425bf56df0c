package tsindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/value"
)

func newTestBit(ts int64, city string, val int64) *record.Bit {
	return &record.Bit{
		Timestamp: ts,
		Value:     value.NewInt(val),
		Tags:      []record.Field{{Name: "city", Value: value.NewString(city)}},
	}
}

func TestWriteAndTermQuery(t *testing.T) {
	idx := NewIndex("people", "", nil)
	_, err := idx.Write(newTestBit(10, "rome", 1))
	require.NoError(t, err)
	_, err = idx.Write(newTestBit(20, "milan", 2))
	require.NoError(t, err)

	results, err := idx.QueryFields(Term{Field: "city", Value: value.NewString("rome")}, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].Timestamp)
}

func TestRangeQueryOnTimestamp(t *testing.T) {
	idx := NewIndex("people", "", nil)
	for ts := int64(0); ts < 5; ts++ {
		_, err := idx.Write(newTestBit(ts*10, "x", ts))
		require.NoError(t, err)
	}

	q := RangeQuery{Field: "timestamp", From: value.NewInt(10), To: value.NewInt(30), FromSet: true, ToSet: true, FromIncl: true, ToIncl: true}
	results, err := idx.QueryFields(q, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestRangeQueryOnNumericDimensionField(t *testing.T) {
	idx := NewIndex("people", "", nil)
	for _, age := range []int64{10, 20, 30, 40} {
		b := &record.Bit{Timestamp: age, Value: value.NewInt(1), Dimensions: []record.Field{{Name: "age", Value: value.NewInt(age)}}}
		_, err := idx.Write(b)
		require.NoError(t, err)
	}

	q := RangeQuery{Field: "age", From: value.NewInt(15), To: value.NewInt(35), FromSet: true, ToSet: true, FromIncl: true, ToIncl: true}
	results, err := idx.QueryFields(q, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2, "a numeric field's range query must not be decoded as a string")
}

func TestDeleteByRecordRemovesExactMatch(t *testing.T) {
	idx := NewIndex("people", "", nil)
	b := newTestBit(10, "rome", 1)
	_, err := idx.Write(b)
	require.NoError(t, err)

	deleted, err := idx.Delete(b)
	require.NoError(t, err)
	assert.True(t, deleted)

	count, err := idx.Count(MatchAll{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}

func TestDeleteByQueryRemovesMatches(t *testing.T) {
	idx := NewIndex("people", "", nil)
	_, _ = idx.Write(newTestBit(10, "rome", 1))
	_, _ = idx.Write(newTestBit(20, "rome", 2))
	_, _ = idx.Write(newTestBit(30, "milan", 3))

	n, err := idx.DeleteByQuery(Term{Field: "city", Value: value.NewString("rome")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := idx.Count(MatchAll{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestBoolMustShouldMustNot(t *testing.T) {
	idx := NewIndex("people", "", nil)
	_, _ = idx.Write(newTestBit(10, "rome", 1))
	_, _ = idx.Write(newTestBit(20, "milan", 2))
	_, _ = idx.Write(newTestBit(30, "turin", 3))

	q := Bool{
		Should:  []Query{Term{Field: "city", Value: value.NewString("rome")}, Term{Field: "city", Value: value.NewString("milan")}},
		MustNot: []Query{Term{Field: "city", Value: value.NewString("milan")}},
	}
	results, err := idx.QueryFields(q, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].Timestamp)
}

func TestQueryCollectGroupedSum(t *testing.T) {
	idx := NewIndex("people", "", nil)
	_, _ = idx.Write(newTestBit(10, "rome", 1))
	_, _ = idx.Write(newTestBit(20, "rome", 4))
	_, _ = idx.Write(newTestBit(30, "milan", 10))

	col := NewCollector(TagGroupBy{Field: "city"}, []AggSpec{{Field: "value", Kind: AggSum}, {Field: "value", Kind: AggCount}})
	err := idx.QueryCollect(MatchAll{}, col, 0)
	require.NoError(t, err)

	results := col.Results()
	sums := map[string]float64{}
	for _, r := range results {
		for spec, acc := range r.Specs {
			if spec.Kind == AggSum {
				sums[r.Key] = acc.Sum
			}
		}
	}
	assert.Equal(t, 5.0, sums["rome"])
	assert.Equal(t, 10.0, sums["milan"])
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/people.snap"

	idx := NewIndex("people", path, nil)
	_, _ = idx.Write(newTestBit(10, "rome", 1))
	_, _ = idx.Write(newTestBit(20, "milan", 2))
	require.NoError(t, idx.Flush())

	reopened := NewIndex("people", path, nil)
	require.NoError(t, reopened.Load())

	count, err := reopened.Count(MatchAll{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	results, err := reopened.QueryFields(Term{Field: "city", Value: value.NewString("rome")}, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestQueryFieldsOrdersBeforeTruncating(t *testing.T) {
	idx := NewIndex("people", "", nil)
	for ts := int64(1); ts <= 10; ts++ {
		_, err := idx.Write(newTestBit(ts, "x", ts))
		require.NoError(t, err)
	}

	results, err := idx.QueryFields(MatchAll{}, nil, &SortOrder{Field: "timestamp", Descending: true}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(10), results[0].Timestamp)
	assert.Equal(t, int64(9), results[1].Timestamp)
}

func TestWriteRejectsFieldTypeConflict(t *testing.T) {
	idx := NewIndex("people", "", nil)
	_, err := idx.Write(newTestBit(10, "rome", 1))
	require.NoError(t, err)

	conflicting := &record.Bit{
		Timestamp: 20,
		Value:     value.NewInt(2),
		Tags:      []record.Field{{Name: "city", Value: value.NewInt(7)}},
	}
	_, err = idx.Write(conflicting)
	assert.Error(t, err)

	count, err := idx.Count(MatchAll{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count, "the conflicting write must not be indexed")
}

func TestCardinalityApproximatesDistinctValues(t *testing.T) {
	idx := NewIndex("people", "", nil)
	for i := 0; i < 100; i++ {
		_, _ = idx.Write(newTestBit(int64(i), "city"+value.NewInt(int64(i%10)).String(), int64(i)))
	}
	c := idx.Cardinality("city")
	assert.Greater(t, c, uint64(0))
}
