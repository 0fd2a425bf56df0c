package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/value"
)

func bit(ts int64, name interface{}, val int64) *record.Bit {
	var nameVal value.Value
	switch v := name.(type) {
	case string:
		nameVal = value.NewString(v)
	case int:
		nameVal = value.NewInt(int64(v))
	}
	return &record.Bit{
		Timestamp:  ts,
		Value:      value.NewInt(val),
		Dimensions: []record.Field{{Name: "name", Value: nameVal}},
	}
}

func TestUpdateFromRecordInfersAndWidens(t *testing.T) {
	r := NewRegistry("db", "ns")
	require.NoError(t, r.UpdateFromRecord("people", bit(10, "A", 1)))

	s, ok := r.Get("people")
	require.True(t, ok)
	ft, ok := s.FieldType("name")
	require.True(t, ok)
	assert.Equal(t, KindDimension, ft.Kind)
	assert.Equal(t, value.String, ft.Type)

	// A second compatible record doesn't change anything.
	require.NoError(t, r.UpdateFromRecord("people", bit(20, "B", 2)))
}

func TestUpdateFromRecordSchemaConflict(t *testing.T) {
	r := NewRegistry("db", "ns")
	require.NoError(t, r.UpdateFromRecord("people", bit(10, "A", 1)))

	err := r.UpdateFromRecord("people", bit(20, 42, 2))
	require.Error(t, err)
	nerr, ok := err.(*nsdberr.Error)
	require.True(t, ok)
	assert.Equal(t, nsdberr.KindSchemaConflict, nerr.Kind)
	assert.Contains(t, nerr.Fields, "name")

	// Schema unchanged after a rejected update.
	s, _ := r.Get("people")
	ft, _ := s.FieldType("name")
	assert.Equal(t, value.String, ft.Type)
}

func TestUpdateFromRecordOrderIndependent(t *testing.T) {
	r1 := NewRegistry("db", "ns")
	require.NoError(t, r1.UpdateFromRecord("m", bit(1, "A", 1)))
	require.NoError(t, r1.UpdateFromRecord("m", bit(2, "B", 2)))

	r2 := NewRegistry("db", "ns")
	require.NoError(t, r2.UpdateFromRecord("m", bit(2, "B", 2)))
	require.NoError(t, r2.UpdateFromRecord("m", bit(1, "A", 1)))

	s1, _ := r1.Get("m")
	s2, _ := r2.Get("m")
	assert.Equal(t, s1.Fields(), s2.Fields())
}
