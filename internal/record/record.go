// Package record defines the Bit — NSDb's single time-stamped observation
// (§3 "Record (Bit)") — and the ordered-map helpers it's built from.
package record

import "github.com/artur-rashitov/NSDb/internal/value"

// Field is one entry of an ordered dimension/tag map. Order is preserved
// because schema widening and wire round-tripping are order-sensitive in
// the teacher's own Field/FieldSet handling (meta.go).
type Field struct {
	Name  string
	Value value.Value
}

// Bit is a single record: a timestamp, a numeric value, and its indexed
// dimensions and tags (§3).
type Bit struct {
	Timestamp  int64
	Value      value.Value
	Dimensions []Field
	Tags       []Field
}

// Dimension returns the value of the named dimension and whether it's set.
func (b *Bit) Dimension(name string) (value.Value, bool) {
	return lookup(b.Dimensions, name)
}

// Tag returns the value of the named tag and whether it's set.
func (b *Bit) Tag(name string) (value.Value, bool) {
	return lookup(b.Tags, name)
}

// Field returns the value of a named dimension, tag, or the reserved
// "timestamp"/"value" fields — used by the Read Coordinator to sort merged
// rows by a field without knowing its FieldKind in advance.
func (b *Bit) Field(name string) (value.Value, bool) {
	switch name {
	case "timestamp":
		return value.NewInt(b.Timestamp), true
	case "value":
		return b.Value, true
	}
	if v, ok := lookup(b.Dimensions, name); ok {
		return v, true
	}
	return lookup(b.Tags, name)
}

func lookup(fields []Field, name string) (value.Value, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return value.Value{}, false
}

// Identity returns a stable key identifying b's full field set — timestamp
// plus every dimension, tag and the value — used by delete-by-exact-match
// (§4.4, §9 "DeleteByRecord").
func (b *Bit) Identity() string {
	key := make([]byte, 0, 64)
	key = appendInt(key, b.Timestamp)
	for _, f := range b.Dimensions {
		key = append(key, '|')
		key = append(key, f.Name...)
		key = append(key, '=')
		key = append(key, value.SortKey(f.Value)...)
	}
	for _, f := range b.Tags {
		key = append(key, '|')
		key = append(key, f.Name...)
		key = append(key, '=')
		key = append(key, value.SortKey(f.Value)...)
	}
	key = append(key, '|')
	key = append(key, value.SortKey(b.Value)...)
	return string(key)
}

func appendInt(buf []byte, v int64) []byte {
	return append(buf, []byte(value.SortKey(value.NewInt(v)))...)
}
