package tsindex

import (
	"fmt"
	"sort"

	"github.com/artur-rashitov/NSDb/internal/value"
)

// AggKind is the primary aggregation kinds an Index-level collector knows
// how to accumulate (§3 "Aggregation"). `avg` is derived at the planner/
// coordinator layer from Count+Sum (§4.7 rule 5, §4.8 merge step), so it has
// no AggKind of its own here.
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggMin
	AggMax
	AggFirst
	AggLast
)

// AggSpec is one aggregated output field of a Collector.
type AggSpec struct {
	Field string
	Kind  AggKind
}

// GroupBy selects how a Collector buckets matching documents. nil means a
// single global bucket.
type GroupBy interface {
	bucketKey(d *document) string
}

// TagGroupBy buckets by a tag field's exact value (§4.7 rule 4 "Simple
// group-by on a tag").
type TagGroupBy struct {
	Field string
}

func (g TagGroupBy) bucketKey(d *document) string {
	v, ok := d.fields[g.Field]
	if !ok {
		return "<null>"
	}
	return v.String()
}

// TemporalGroupBy buckets timestamps to multiples of IntervalMillis (§3
// GroupBy "temporal", §4.7 rule 4).
type TemporalGroupBy struct {
	IntervalMillis int64
}

func (g TemporalGroupBy) bucketKey(d *document) string {
	bucket := (d.timestamp / g.IntervalMillis) * g.IntervalMillis
	return fmt.Sprintf("%d", bucket)
}

// BucketOf exposes the numeric bucket start for a TemporalGroupBy. The
// coordinator does not call it; it reports the bucket key string instead.
func (g TemporalGroupBy) BucketOf(ts int64) int64 {
	return (ts / g.IntervalMillis) * g.IntervalMillis
}

// Accumulator holds one AggSpec's running state for one group, implementing
// the merge law of §8 invariant 6: associative/commutative except
// first/last, tie-broken by timestamp then insertion order.
type Accumulator struct {
	Kind       AggKind
	Count      int64
	Sum        float64
	Min, Max   value.Value
	hasMinMax  bool
	First      value.Value
	FirstTS    int64
	firstSeq   int64
	Last       value.Value
	LastTS     int64
	lastSeq    int64
	hasFirst   bool
	hasLast    bool
}

func newAccumulator(kind AggKind) *Accumulator {
	return &Accumulator{Kind: kind}
}

func (a *Accumulator) add(v value.Value, ts int64, seq int64) {
	a.Count++
	if v.IsNumeric() {
		a.Sum += v.AsFloat()
	}
	if !a.hasMinMax {
		a.Min, a.Max = v, v
		a.hasMinMax = true
	} else {
		a.Min = value.Min(a.Min, v)
		a.Max = value.Max(a.Max, v)
	}
	if !a.hasFirst || ts < a.FirstTS || (ts == a.FirstTS && seq < a.firstSeq) {
		a.First, a.FirstTS, a.firstSeq, a.hasFirst = v, ts, seq, true
	}
	if !a.hasLast || ts > a.LastTS || (ts == a.LastTS && seq > a.lastSeq) {
		a.Last, a.LastTS, a.lastSeq, a.hasLast = v, ts, seq, true
	}
}

// Merge combines another partition's Accumulator into a, implementing the
// per-kind merge rules of §4.8 step 5 / §8 invariant 6.
func (a *Accumulator) Merge(b *Accumulator) {
	a.Count += b.Count
	a.Sum += b.Sum
	if b.hasMinMax {
		if !a.hasMinMax {
			a.Min, a.Max, a.hasMinMax = b.Min, b.Max, true
		} else {
			a.Min = value.Min(a.Min, b.Min)
			a.Max = value.Max(a.Max, b.Max)
		}
	}
	if b.hasFirst && (!a.hasFirst || b.FirstTS < a.FirstTS || (b.FirstTS == a.FirstTS && b.firstSeq < a.firstSeq)) {
		a.First, a.FirstTS, a.firstSeq, a.hasFirst = b.First, b.FirstTS, b.firstSeq, true
	}
	if b.hasLast && (!a.hasLast || b.LastTS > a.LastTS || (b.LastTS == a.LastTS && b.lastSeq > a.lastSeq)) {
		a.Last, a.LastTS, a.lastSeq, a.hasLast = b.Last, b.LastTS, b.lastSeq, true
	}
}

// Value returns the Accumulator's result per its Kind.
func (a *Accumulator) Value() value.Value {
	switch a.Kind {
	case AggCount:
		return value.NewInt(a.Count)
	case AggSum:
		return value.NewFloat(a.Sum)
	case AggMin:
		return a.Min
	case AggMax:
		return a.Max
	case AggFirst:
		return a.First
	case AggLast:
		return a.Last
	default:
		return value.Value{}
	}
}

// Collector accumulates matching documents into per-bucket Accumulators for
// each requested AggSpec (§4.4 "query(q, collector, ...)").
type Collector struct {
	Group GroupBy
	Specs []AggSpec

	seq     int64
	buckets map[string]map[string]*Accumulator // bucketKey -> field -> Accumulator
	order   []string                           // bucket keys in first-seen order
}

// NewCollector builds a Collector for the given group strategy (nil for a
// single global bucket) and aggregated field specs.
func NewCollector(group GroupBy, specs []AggSpec) *Collector {
	return &Collector{Group: group, Specs: specs, buckets: make(map[string]map[string]*Accumulator)}
}

func (c *Collector) bucketFor(d *document) string {
	if c.Group == nil {
		return ""
	}
	return c.Group.bucketKey(d)
}

// Collect feeds one matching document into the collector.
func (c *Collector) Collect(d *document) {
	key := c.bucketFor(d)
	accs, ok := c.buckets[key]
	if !ok {
		accs = make(map[string]*Accumulator, len(c.Specs))
		for _, spec := range c.Specs {
			accs[spec.Field+"|"+fmt.Sprint(spec.Kind)] = newAccumulator(spec.Kind)
		}
		c.buckets[key] = accs
		c.order = append(c.order, key)
	}
	c.seq++
	for _, spec := range c.Specs {
		field := spec.Field
		if field == "*" {
			// count(*): every document carries a value, so it counts them all.
			field = "value"
		}
		v, ok := d.fields[field]
		if !ok {
			continue
		}
		accs[spec.Field+"|"+fmt.Sprint(spec.Kind)].add(v, d.timestamp, c.seq)
	}
}

// BucketResult is one group's finished aggregation.
type BucketResult struct {
	Key   string
	Specs map[AggSpec]*Accumulator
}

// Results returns every bucket's accumulators, ordered by first-seen bucket
// order (index order, per §4.4's default).
func (c *Collector) Results() []BucketResult {
	out := make([]BucketResult, 0, len(c.buckets))
	for _, key := range c.order {
		accs := c.buckets[key]
		specs := make(map[AggSpec]*Accumulator, len(c.Specs))
		for _, spec := range c.Specs {
			specs[spec] = accs[spec.Field+"|"+fmt.Sprint(spec.Kind)]
		}
		out = append(out, BucketResult{Key: key, Specs: specs})
	}
	return out
}

// SortedResults returns Results() sorted by bucket key — useful for
// temporal buckets, whose keys are decimal timestamps.
func (c *Collector) SortedResults() []BucketResult {
	res := c.Results()
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res
}
