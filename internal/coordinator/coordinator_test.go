package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artur-rashitov/NSDb/internal/accumulator"
	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/schema"
	"github.com/artur-rashitov/NSDb/internal/shard"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
	"github.com/artur-rashitov/NSDb/internal/value"
)

// fakeIndexes keeps one tsindex.Index per (metric, Location) in memory,
// opened lazily on first use, mirroring the root Engine's real cache.
type fakeIndexes struct {
	byLoc map[string]*tsindex.Index
}

func newFakeIndexes() *fakeIndexes {
	return &fakeIndexes{byLoc: make(map[string]*tsindex.Index)}
}

func (f *fakeIndexes) IndexFor(metric string, loc shard.Location) (*tsindex.Index, error) {
	key := metric + "/" + loc.ID()
	idx, ok := f.byLoc[key]
	if !ok {
		idx = tsindex.NewIndex(metric, "", nil)
		f.byLoc[key] = idx
	}
	return idx, nil
}

func (f *fakeIndexes) IndexesForMetric(metric string) ([]*tsindex.Index, error) {
	var out []*tsindex.Index
	for key, idx := range f.byLoc {
		if len(key) >= len(metric) && key[:len(metric)] == metric {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (f *fakeIndexes) IndexForWrite(metric string, ts int64) (*tsindex.Index, error) {
	return nil, nil // unused: tests write directly against Router+IndexFor
}

func setup(t *testing.T) (*schema.Registry, *shard.Router, *fakeIndexes, *accumulator.Accumulator) {
	t.Helper()
	reg := schema.NewRegistry("db", "ns")
	router := shard.NewRouter("node1", 1000)
	indexes := newFakeIndexes()
	acc := accumulator.New(indexes, time.Hour, nil)
	return reg, router, indexes, acc
}

func writeDirect(t *testing.T, reg *schema.Registry, router *shard.Router, indexes *fakeIndexes, metric string, b *record.Bit) {
	t.Helper()
	require.NoError(t, reg.UpdateFromRecord(metric, b))
	loc := router.RouteWrite(metric, b.Timestamp)
	idx, err := indexes.IndexFor(metric, loc)
	require.NoError(t, err)
	release, err := idx.GetWriter()
	require.NoError(t, err)
	_, err = idx.Write(b)
	require.NoError(t, err)
	release()
}

func TestExecuteSimpleQueryReturnsWrittenRows(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	writeDirect(t, reg, router, indexes, "people", &record.Bit{
		Timestamp: 1,
		Value:     value.NewInt(42),
		Tags:      []record.Field{{Name: "city", Value: value.NewString("rome")}},
	})

	c := New(reg, router, indexes, acc, func() int64 { return 1000 }, 100, time.Second, nil)
	stmt, err := nsql.Parse("SELECT * FROM people")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), stmt.(*nsql.SelectStatement))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(1), res.Rows[0].Timestamp)
}

func TestExecuteUnknownMetricFails(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	c := New(reg, router, indexes, acc, func() int64 { return 0 }, 100, time.Second, nil)
	stmt, err := nsql.Parse("SELECT * FROM ghost")
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), stmt.(*nsql.SelectStatement))
	require.Error(t, err)
}

func TestExecuteAggregatedSumAcrossLocations(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	writeDirect(t, reg, router, indexes, "people", &record.Bit{
		Timestamp: 1, Value: value.NewInt(10),
		Tags: []record.Field{{Name: "city", Value: value.NewString("rome")}},
	})
	writeDirect(t, reg, router, indexes, "people", &record.Bit{
		Timestamp: 2000, Value: value.NewInt(5),
		Tags: []record.Field{{Name: "city", Value: value.NewString("rome")}},
	})

	c := New(reg, router, indexes, acc, func() int64 { return 3000 }, 100, time.Second, nil)
	stmt, err := nsql.Parse("SELECT city, sum(value) FROM people GROUP BY city")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), stmt.(*nsql.SelectStatement))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, float64(15), res.Rows[0].Fields["sum(value)"].AsFloat())
}

func TestExecuteAvgDividesSumByCountAtMerge(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	writeDirect(t, reg, router, indexes, "people", &record.Bit{Timestamp: 1, Value: value.NewInt(10)})
	writeDirect(t, reg, router, indexes, "people", &record.Bit{Timestamp: 2000, Value: value.NewInt(20)})

	c := New(reg, router, indexes, acc, func() int64 { return 3000 }, 100, time.Second, nil)
	stmt, err := nsql.Parse("SELECT avg(value) FROM people")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), stmt.(*nsql.SelectStatement))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, float64(15), res.Rows[0].Fields["avg(value)"].AsFloat())
}

func TestDeleteFromOneEnqueueReachesEveryLocation(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	writeDirect(t, reg, router, indexes, "people", &record.Bit{Timestamp: 1, Value: value.NewInt(1)})
	writeDirect(t, reg, router, indexes, "people", &record.Bit{Timestamp: 2000, Value: value.NewInt(1)})
	require.Len(t, indexes.byLoc, 2, "the two writes must land in distinct Locations")

	c := New(reg, router, indexes, acc, func() int64 { return 3000 }, 100, time.Second, nil)
	stmt, err := nsql.Parse("DELETE FROM people WHERE value = 1")
	require.NoError(t, err)

	err = c.Delete(stmt.(*nsql.DeleteStatement))
	require.NoError(t, err)

	acc.Drain()
	total, err := c.GetCount(context.Background(), "people")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), total, "a single enqueued DeleteByQueryOp must still be applied against every Location")
}

func TestGetMetricsAndSchemaPassThrough(t *testing.T) {
	reg, router, indexes, acc := setup(t)
	writeDirect(t, reg, router, indexes, "people", &record.Bit{Timestamp: 1, Value: value.NewInt(1)})

	c := New(reg, router, indexes, acc, func() int64 { return 0 }, 100, time.Second, nil)
	assert.Contains(t, c.GetMetrics(), "people")

	_, ok := c.GetSchema("people")
	assert.True(t, ok)
}
