package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/value"
)

func TestRouteWriteAllocatesAlignedLocation(t *testing.T) {
	r := NewRouter("node1", 100)
	loc := r.RouteWrite("temp", 150)
	assert.Equal(t, int64(100), loc.From)
	assert.Equal(t, int64(199), loc.To)

	same := r.RouteWrite("temp", 180)
	assert.Equal(t, loc, same)
}

func TestRouteReadIntersectsBound(t *testing.T) {
	r := NewRouter("node1", 100)
	r.RouteWrite("temp", 50)
	r.RouteWrite("temp", 150)
	r.RouteWrite("temp", 350)

	bound := Bound{From: ptr(120), To: ptr(160)}
	locs := r.RouteRead("temp", bound)
	require.Len(t, locs, 1)
	assert.Equal(t, int64(100), locs[0].From)
}

func TestRouteReadUnboundedReturnsAll(t *testing.T) {
	r := NewRouter("node1", 100)
	r.RouteWrite("temp", 50)
	r.RouteWrite("temp", 250)
	locs := r.RouteRead("temp", Unbounded)
	assert.Len(t, locs, 2)
}

func TestExtractTimeRangeFromRange(t *testing.T) {
	e := nsql.Range{Field: "timestamp", From: nsql.Absolute{Value: value.NewInt(10)}, To: nsql.Absolute{Value: value.NewInt(20)}}
	b := ExtractTimeRange(e, 0)
	require.NotNil(t, b.From)
	require.NotNil(t, b.To)
	assert.Equal(t, int64(10), *b.From)
	assert.Equal(t, int64(20), *b.To)
}

func TestExtractTimeRangeAndIntersects(t *testing.T) {
	e := nsql.And{
		Left:  nsql.Comparison{Field: "timestamp", Op: nsql.OpGTE, Value: nsql.Absolute{Value: value.NewInt(10)}},
		Right: nsql.Comparison{Field: "timestamp", Op: nsql.OpLTE, Value: nsql.Absolute{Value: value.NewInt(30)}},
	}
	b := ExtractTimeRange(e, 0)
	assert.Equal(t, int64(10), *b.From)
	assert.Equal(t, int64(30), *b.To)
}

func TestExtractTimeRangeOrWidensToConvexHull(t *testing.T) {
	e := nsql.Or{
		Left:  nsql.Range{Field: "timestamp", From: nsql.Absolute{Value: value.NewInt(0)}, To: nsql.Absolute{Value: value.NewInt(10)}},
		Right: nsql.Range{Field: "timestamp", From: nsql.Absolute{Value: value.NewInt(100)}, To: nsql.Absolute{Value: value.NewInt(110)}},
	}
	b := ExtractTimeRange(e, 0)
	assert.Equal(t, int64(0), *b.From)
	assert.Equal(t, int64(110), *b.To)
}

func TestExtractTimeRangeNonTimestampFieldIsUnbounded(t *testing.T) {
	e := nsql.Equality{Field: "city", Value: nsql.Absolute{Value: value.NewString("rome")}}
	b := ExtractTimeRange(e, 0)
	assert.Equal(t, Unbounded, b)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := NewRouter("node1", 100)
	r.RouteWrite("temp", 50)
	r.RouteWrite("temp", 250)

	buf, err := r.MarshalBinary("temp")
	require.NoError(t, err)

	r2 := NewRouter("node1", 100)
	require.NoError(t, r2.UnmarshalBinary(buf))
	assert.Equal(t, r.Locations("temp"), r2.Locations("temp"))
}
