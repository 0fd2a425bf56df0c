// Package shard implements the Shard Router (§4.5): the per-metric set of
// time-range Locations that writes and reads are routed through.
package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogo/protobuf/proto"

	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/shard/shardpb"
)

// Location is one time-range partition of a metric's storage (§3 "Location
// (Shard)").
type Location struct {
	Metric string
	Node   string
	From   int64
	To     int64 // inclusive
}

// ID returns the on-disk directory name for the Location (§6
// "location_id = \"<from>_<to>\"").
func (l Location) ID() string {
	return fmt.Sprintf("%d_%d", l.From, l.To)
}

func (l Location) intersects(b Bound) bool {
	if b.From != nil && l.To < *b.From {
		return false
	}
	if b.To != nil && l.From > *b.To {
		return false
	}
	return true
}

// Bound is a (possibly open) timestamp range, the output of range
// extraction from a statement's condition (§4.5).
type Bound struct {
	From, To *int64
}

// Unbounded is the (−∞, +∞) bound used for predicates with no timestamp
// constraint.
var Unbounded = Bound{}

func ptr(v int64) *int64 { return &v }

// intersect narrows a to the overlap with b (AND combination, §4.5).
func (a Bound) intersect(b Bound) Bound {
	out := a
	if b.From != nil && (out.From == nil || *b.From > *out.From) {
		out.From = b.From
	}
	if b.To != nil && (out.To == nil || *b.To < *out.To) {
		out.To = b.To
	}
	return out
}

// union widens a to the convex hull covering a and b (OR combination, §4.5:
// "over-approximation is acceptable; under-approximation is forbidden").
func (a Bound) union(b Bound) Bound {
	out := Bound{}
	if a.From == nil || b.From == nil {
		out.From = nil
	} else if *a.From < *b.From {
		out.From = a.From
	} else {
		out.From = b.From
	}
	if a.To == nil || b.To == nil {
		out.To = nil
	} else if *a.To > *b.To {
		out.To = a.To
	} else {
		out.To = b.To
	}
	return out
}

// ExtractTimeRange derives the timestamp Bound implied by a condition,
// resolving relative ComparisonValues against now (§4.5). A nil condition,
// or one with no bearing on `timestamp`, yields Unbounded.
func ExtractTimeRange(e nsql.Expr, now int64) Bound {
	if e == nil {
		return Unbounded
	}
	switch v := e.(type) {
	case nsql.Range:
		if v.Field != "timestamp" {
			return Unbounded
		}
		from, to := nsql.Resolve(v.From, now), nsql.Resolve(v.To, now)
		return Bound{From: ptr(from), To: ptr(to)}
	case nsql.Comparison:
		if v.Field != "timestamp" {
			return Unbounded
		}
		at := nsql.Resolve(v.Value, now)
		switch v.Op {
		case nsql.OpGT, nsql.OpGTE:
			return Bound{From: ptr(at)}
		case nsql.OpLT, nsql.OpLTE:
			return Bound{To: ptr(at)}
		}
		return Unbounded
	case nsql.Equality:
		if v.Field != "timestamp" {
			return Unbounded
		}
		at := nsql.Resolve(v.Value, now)
		return Bound{From: ptr(at), To: ptr(at)}
	case nsql.And:
		return ExtractTimeRange(v.Left, now).intersect(ExtractTimeRange(v.Right, now))
	case nsql.Or:
		return ExtractTimeRange(v.Left, now).union(ExtractTimeRange(v.Right, now))
	case nsql.Not:
		// Negation of a bounded range isn't representable as a single
		// interval without under-approximating; widen to unbounded.
		return Unbounded
	default:
		return Unbounded
	}
}

// Router maintains, per metric, the ordered set of Locations on this node
// (§4.5), generalized from the teacher's flat `Shards` sortable slice
// (shard.go) to a per-metric interval index.
type Router struct {
	mu             sync.Mutex
	node           string
	intervalMillis int64
	byMetric       map[string][]Location
}

// NewRouter builds a Router for node, aligning new Locations to interval
// (§6 "shard.interval").
func NewRouter(node string, intervalMillis int64) *Router {
	if intervalMillis <= 0 {
		intervalMillis = 1
	}
	return &Router{node: node, intervalMillis: intervalMillis, byMetric: make(map[string][]Location)}
}

// RouteWrite returns the Location covering ts, allocating one aligned to
// shard_interval if none exists yet (§4.5, §3 "Locations are allocated
// lazily on first write to an interval").
func (r *Router) RouteWrite(metric string, ts int64) Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := (ts / r.intervalMillis) * r.intervalMillis
	to := from + r.intervalMillis - 1

	locs := r.byMetric[metric]
	for _, l := range locs {
		if l.From == from && l.To == to {
			return l
		}
	}
	loc := Location{Metric: metric, Node: r.node, From: from, To: to}
	locs = append(locs, loc)
	sort.Slice(locs, func(i, j int) bool { return locs[i].From < locs[j].From })
	r.byMetric[metric] = locs
	return loc
}

// RouteRead returns every Location for metric whose interval intersects
// bound; an Unbounded bound returns every Location (§4.5).
func (r *Router) RouteRead(metric string, bound Bound) []Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	locs := r.byMetric[metric]
	if bound == Unbounded {
		out := make([]Location, len(locs))
		copy(out, locs)
		return out
	}
	out := make([]Location, 0, len(locs))
	for _, l := range locs {
		if l.intersects(bound) {
			out = append(out, l)
		}
	}
	return out
}

// Locations returns every known Location for metric, in interval order.
func (r *Router) Locations(metric string) []Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Location, len(r.byMetric[metric]))
	copy(out, r.byMetric[metric])
	return out
}

// DeleteMetric forgets every Location for metric (§4.4 "DROP METRIC").
func (r *Router) DeleteMetric(metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byMetric, metric)
}

// MarshalBinary protobuf-encodes metric's Location directory for on-disk
// persistence (§6 "index/<db>/<namespace>/<metric>/"), mirroring the
// Schema Registry's MarshalBinary.
func (r *Router) MarshalBinary(metric string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := &shardpb.Directory{Metric: metric}
	for _, l := range r.byMetric[metric] {
		dir.Locations = append(dir.Locations, &shardpb.Location{
			Metric: l.Metric, Node: l.Node, From: l.From, To: l.To,
		})
	}
	return proto.Marshal(dir)
}

// UnmarshalBinary restores a metric's Location directory previously written
// by MarshalBinary.
func (r *Router) UnmarshalBinary(buf []byte) error {
	var dir shardpb.Directory
	if err := proto.Unmarshal(buf, &dir); err != nil {
		return fmt.Errorf("decode location directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	locs := make([]Location, 0, len(dir.Locations))
	for _, l := range dir.Locations {
		locs = append(locs, Location{Metric: l.Metric, Node: l.Node, From: l.From, To: l.To})
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].From < locs[j].From })
	r.byMetric[dir.Metric] = locs
	return nil
}
