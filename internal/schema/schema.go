// Package schema implements the per-(database, namespace) Schema Registry
// (§4.3): metric schemas inferred from incoming records and widened
// monotonically as new fields are observed.
package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogo/protobuf/proto"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/value"
	schemapb "github.com/artur-rashitov/NSDb/internal/schema/schemapb"
)

// Kind is the role a field plays in a record (§3 "Schema").
type Kind int

const (
	KindDimension Kind = iota
	KindTag
	KindTimestamp
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindDimension:
		return "dimension"
	case KindTag:
		return "tag"
	case KindTimestamp:
		return "timestamp"
	case KindValue:
		return "value"
	default:
		return "unknown"
	}
}

// FieldType pairs a Kind with the value.Tag it's typed as. Timestamp has no
// meaningful value.Tag (it's always int64) but keeps the field uniform.
type FieldType struct {
	Kind Kind
	Type value.Tag
}

// Schema is metric's ordered field map, as described in §3. Order reflects
// first-observation order, matching the teacher's append-only
// Measurement.Fields slice (meta.go).
type Schema struct {
	mu     sync.RWMutex
	order  []string
	fields map[string]FieldType
}

func newSchema() *Schema {
	return &Schema{fields: make(map[string]FieldType)}
}

// Fields returns a copy of the schema's field map; use FieldOrder for the
// first-observed order.
func (s *Schema) Fields() map[string]FieldType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FieldType, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// FieldOrder returns the field names in first-observed order.
func (s *Schema) FieldOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// FieldType looks up a single field's type.
func (s *Schema) FieldType(name string) (FieldType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ft, ok := s.fields[name]
	return ft, ok
}

func (s *Schema) set(name string, ft FieldType) {
	if _, exists := s.fields[name]; !exists {
		s.order = append(s.order, name)
	}
	s.fields[name] = ft
}

func (s *Schema) clone() *Schema {
	c := newSchema()
	c.order = append([]string(nil), s.order...)
	for k, v := range s.fields {
		c.fields[k] = v
	}
	return c
}

func bitFields(b *record.Bit) map[string]FieldType {
	fields := map[string]FieldType{
		"timestamp": {Kind: KindTimestamp, Type: value.Int},
		"value":     {Kind: KindValue, Type: b.Value.Tag},
	}
	for _, d := range b.Dimensions {
		fields[d.Name] = FieldType{Kind: KindDimension, Type: d.Value.Tag}
	}
	for _, tg := range b.Tags {
		fields[tg.Name] = FieldType{Kind: KindTag, Type: tg.Value.Tag}
	}
	return fields
}

func fieldOrderOf(b *record.Bit) []string {
	order := make([]string, 0, len(b.Dimensions)+len(b.Tags)+2)
	order = append(order, "timestamp")
	for _, d := range b.Dimensions {
		order = append(order, d.Name)
	}
	for _, tg := range b.Tags {
		order = append(order, tg.Name)
	}
	order = append(order, "value")
	return order
}

// inferFrom builds a fresh Schema from a single record.
func inferFrom(b *record.Bit) *Schema {
	s := newSchema()
	fields := bitFields(b)
	for _, name := range fieldOrderOf(b) {
		s.set(name, fields[name])
	}
	return s
}

// incompatibilities returns the field names where the record's field type
// disagrees with the schema's recorded type for that field.
func incompatibilities(s *Schema, b *record.Bit) []string {
	var bad []string
	for name, ft := range bitFields(b) {
		if existing, ok := s.fields[name]; ok && existing != ft {
			bad = append(bad, name)
		}
	}
	sort.Strings(bad)
	return bad
}

// Registry is the per-(database, namespace) metric → Schema map (§4.3).
type Registry struct {
	mu        sync.RWMutex
	database  string
	namespace string
	metrics   map[string]*Schema
}

// NewRegistry constructs an empty registry for one (database, namespace).
func NewRegistry(database, namespace string) *Registry {
	return &Registry{database: database, namespace: namespace, metrics: make(map[string]*Schema)}
}

// Get returns the schema for metric, or false if no record was ever written.
func (r *Registry) Get(metric string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.metrics[metric]
	return s, ok
}

// UpdateFromRecord installs or widens metric's schema from an incoming
// record (§4.3). A new field widens the schema; a field whose Kind/Type
// disagrees with what's recorded fails with SchemaConflict, and the schema
// is left unchanged.
func (r *Registry) UpdateFromRecord(metric string, b *record.Bit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.metrics[metric]
	if !ok {
		r.metrics[metric] = inferFrom(b)
		return nil
	}

	existing.mu.Lock()
	defer existing.mu.Unlock()

	if bad := incompatibilities(existing, b); len(bad) > 0 {
		return nsdberr.SchemaConflict(metric, bad)
	}

	fields := bitFields(b)
	for _, name := range fieldOrderOf(b) {
		if _, present := existing.fields[name]; !present {
			existing.set(name, fields[name])
		}
	}
	return nil
}

// Update replaces metric's schema wholesale, but only if next is compatible
// with (a superset-or-equal of) whatever is currently recorded.
func (r *Registry) Update(metric string, next *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.metrics[metric]
	if !ok {
		r.metrics[metric] = next.clone()
		return nil
	}

	existing.mu.RLock()
	for name, ft := range existing.fields {
		if nft, present := next.fields[name]; !present || nft != ft {
			existing.mu.RUnlock()
			return nsdberr.SchemaConflict(metric, []string{name})
		}
	}
	existing.mu.RUnlock()

	r.metrics[metric] = next.clone()
	return nil
}

// Delete removes metric's schema.
func (r *Registry) Delete(metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metrics, metric)
}

// DeleteAll clears every schema in the namespace.
func (r *Registry) DeleteAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Schema)
}

// Metrics returns the names of every metric with a recorded schema.
func (r *Registry) Metrics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MarshalBinary protobuf-encodes the registry for the on-disk schema index
// (§6 "schemas/<db>/<namespace>/"), mirroring the teacher's
// MeasurementFields.MarshalBinary (shard.go).
func (r *Registry) MarshalBinary() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pb := &schemapb.Registry{Database: r.database, Namespace: r.namespace}
	for metric, s := range r.metrics {
		s.mu.RLock()
		m := &schemapb.Metric{Name: metric}
		for _, name := range s.order {
			ft := s.fields[name]
			m.Fields = append(m.Fields, &schemapb.Field{
				Name: name,
				Kind: int32(ft.Kind),
				Type: int32(ft.Type),
			})
		}
		s.mu.RUnlock()
		pb.Metrics = append(pb.Metrics, m)
	}
	return proto.Marshal(pb)
}

// UnmarshalBinary decodes a registry previously written by MarshalBinary.
func (r *Registry) UnmarshalBinary(buf []byte) error {
	var pb schemapb.Registry
	if err := proto.Unmarshal(buf, &pb); err != nil {
		return fmt.Errorf("decode schema registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.database, r.namespace = pb.Database, pb.Namespace
	r.metrics = make(map[string]*Schema, len(pb.Metrics))
	for _, m := range pb.Metrics {
		s := newSchema()
		for _, f := range m.Fields {
			s.set(f.Name, FieldType{Kind: Kind(f.Kind), Type: value.Tag(f.Type)})
		}
		r.metrics[m.Name] = s
	}
	return nil
}
