// Package shardpb holds the gogo/protobuf wire messages for the Shard
// Router's on-disk Location directory (§6 "index/<db>/<namespace>/<metric>/
// <location_id>/").
package shardpb

// Location is one time-range partition of a metric's storage.
type Location struct {
	Metric string `protobuf:"bytes,1,opt,name=metric,proto3" json:"metric,omitempty"`
	Node   string `protobuf:"bytes,2,opt,name=node,proto3" json:"node,omitempty"`
	From   int64  `protobuf:"varint,3,opt,name=from,proto3" json:"from,omitempty"`
	To     int64  `protobuf:"varint,4,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *Location) Reset()         { *m = Location{} }
func (m *Location) String() string { return "" }
func (*Location) ProtoMessage()    {}

// Directory is the full set of Locations known for one metric.
type Directory struct {
	Metric    string      `protobuf:"bytes,1,opt,name=metric,proto3" json:"metric,omitempty"`
	Locations []*Location `protobuf:"bytes,2,rep,name=locations,proto3" json:"locations,omitempty"`
}

func (m *Directory) Reset()         { *m = Directory{} }
func (m *Directory) String() string { return "" }
func (*Directory) ProtoMessage()    {}
