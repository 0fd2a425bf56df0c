// Package schemapb holds the gogo/protobuf wire messages for the Schema
// Registry's on-disk index (§6 "schemas/<db>/<namespace>/"). Hand-written in
// the shape `protoc --gogofaster_out` would produce, since the source
// .proto isn't checked in separately from this file.
package schemapb

// Field is one schema field: name, Kind (schema.Kind) and Type (value.Tag),
// stored as plain int32s so this package has no dependency on the schema
// package it's embedded in.
type Field struct {
	Name string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Kind int32  `protobuf:"varint,2,opt,name=kind,proto3" json:"kind,omitempty"`
	Type int32  `protobuf:"varint,3,opt,name=type,proto3" json:"type,omitempty"`
}

func (m *Field) Reset()         { *m = Field{} }
func (m *Field) String() string { return "" }
func (*Field) ProtoMessage()    {}

// Metric is one metric's ordered field list.
type Metric struct {
	Name   string   `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Fields []*Field `protobuf:"bytes,2,rep,name=fields,proto3" json:"fields,omitempty"`
}

func (m *Metric) Reset()         { *m = Metric{} }
func (m *Metric) String() string { return "" }
func (*Metric) ProtoMessage()    {}

// Registry is the full schema index for one (database, namespace).
type Registry struct {
	Database  string    `protobuf:"bytes,1,opt,name=database,proto3" json:"database,omitempty"`
	Namespace string    `protobuf:"bytes,2,opt,name=namespace,proto3" json:"namespace,omitempty"`
	Metrics   []*Metric `protobuf:"bytes,3,rep,name=metrics,proto3" json:"metrics,omitempty"`
}

func (m *Registry) Reset()         { *m = Registry{} }
func (m *Registry) String() string { return "" }
func (*Registry) ProtoMessage()    {}
