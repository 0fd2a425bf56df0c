// Package coordinator implements the Read Coordinator (§4.8): statement
// execution, per-Location fan-out, and result merging.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/artur-rashitov/NSDb/internal/accumulator"
	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/planner"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/schema"
	"github.com/artur-rashitov/NSDb/internal/shard"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
	"github.com/artur-rashitov/NSDb/internal/value"
)

// IndexProvider resolves the Index backing one Location, opened on demand
// (§3 "Indices are opened on first use").
type IndexProvider interface {
	IndexFor(metric string, loc shard.Location) (*tsindex.Index, error)
}

// Row is one projected result record.
type Row struct {
	Timestamp int64
	Fields    map[string]value.Value
}

// Result is the outcome of Execute (§4.8 "SelectStatementExecuted").
type Result struct {
	Rows []Row
}

// Coordinator wires the Schema Registry, Shard Router, Index Engine and
// Write Accumulator together to serve SelectStatement/DeleteStatement
// execution, generalized from the teacher's shard.go fan-out-and-merge
// pattern (ExpandSources/CreateIterator) and store.go's dispatch-by-id.
type Coordinator struct {
	registry     *schema.Registry
	router       *shard.Router
	indexes      IndexProvider
	acc          *accumulator.Accumulator
	now          func() int64
	defaultLimit int
	timeout      time.Duration
	log          *zap.Logger
}

// New builds a Coordinator. now supplies the current time for relative-time
// resolution and range extraction (injected so tests and replays can pin a
// clock, §4.7 rule 1).
func New(registry *schema.Registry, router *shard.Router, indexes IndexProvider, acc *accumulator.Accumulator, now func() int64, defaultLimit int, timeout time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{registry: registry, router: router, indexes: indexes, acc: acc, now: now, defaultLimit: defaultLimit, timeout: timeout, log: log}
}

// Execute runs a SelectStatement end to end (§4.8 "execute(statement)").
func (c *Coordinator) Execute(ctx context.Context, stmt *nsql.SelectStatement) (*Result, error) {
	reqID := uuid.New().String()
	log := c.log.With(zap.String("request_id", reqID), zap.String("metric", stmt.Metric))

	sch, ok := c.registry.Get(stmt.Metric)
	if !ok {
		return nil, nsdberr.New(nsdberr.KindUnknownMetric, "metric %q has no schema", stmt.Metric)
	}

	now := c.now()
	pq, err := planner.Plan(stmt, sch, now, c.defaultLimit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bound := shard.ExtractTimeRange(stmt.Condition, now)
	locs := c.router.RouteRead(stmt.Metric, bound)

	if pq.Simple {
		return c.executeSimple(ctx, stmt.Metric, locs, pq, log)
	}
	return c.executeAggregated(ctx, stmt.Metric, locs, pq, log)
}

type partialSimple struct {
	rows []*record.Bit
	err  error
}

// executeSimple fans a non-aggregated query out to every candidate
// Location, then unions, re-sorts, and truncates (§4.8 step 5).
func (c *Coordinator) executeSimple(ctx context.Context, metric string, locs []shard.Location, pq *planner.PhysicalQuery, log *zap.Logger) (*Result, error) {
	results := make(chan partialSimple, len(locs))
	for _, loc := range locs {
		go func(loc shard.Location) {
			idx, err := c.indexes.IndexFor(metric, loc)
			if err != nil {
				results <- partialSimple{err: err}
				return
			}
			searcher := idx.GetSearcher()
			defer searcher.Release()
			perShardLimit := pq.Limit
			rows, err := idx.QueryFields(pq.Backing, pq.Fields, toShardSort(pq.Sort), perShardLimit)
			results <- partialSimple{rows: rows, err: err}
		}(loc)
	}

	var all []*record.Bit
	for range locs {
		select {
		case <-ctx.Done():
			return nil, nsdberr.Wrap(nsdberr.KindTimeout, ctx.Err(), "query for %q timed out", metric)
		case p := <-results:
			if p.err != nil {
				log.Warn("location query failed", zap.Error(p.err))
				continue
			}
			all = append(all, p.rows...)
		}
	}

	sortRows(all, pq.Sort)
	if pq.Limit > 0 && len(all) > pq.Limit {
		all = all[:pq.Limit]
	}

	out := make([]Row, 0, len(all))
	for _, b := range all {
		out = append(out, rowFromBit(b))
	}
	return &Result{Rows: out}, nil
}

// toShardSort converts a statement's ORDER BY into the sort each shard must
// apply to its own candidates before truncating at its per-shard limit
// (§4.8 step 5), so the later global sortRows merge truncates correctly.
func toShardSort(order *nsql.Ordering) *tsindex.SortOrder {
	if order == nil {
		return nil
	}
	return &tsindex.SortOrder{Field: order.Field, Descending: order.Direction == nsql.Descending}
}

func sortRows(rows []*record.Bit, order *nsql.Ordering) {
	if order == nil {
		return
	}
	slices.SortFunc(rows, func(a, b *record.Bit) int {
		av, _ := a.Field(order.Field)
		bv, _ := b.Field(order.Field)
		ord := value.Compare(av, bv)
		cmp := 0
		switch ord {
		case value.Less:
			cmp = -1
		case value.Greater:
			cmp = 1
		}
		if order.Direction == nsql.Descending {
			cmp = -cmp
		}
		return cmp
	})
}

func rowFromBit(b *record.Bit) Row {
	fields := make(map[string]value.Value, len(b.Dimensions)+len(b.Tags)+1)
	fields["timestamp"] = value.NewInt(b.Timestamp)
	fields["value"] = b.Value
	for _, f := range b.Dimensions {
		fields[f.Name] = f.Value
	}
	for _, f := range b.Tags {
		fields[f.Name] = f.Value
	}
	return Row{Timestamp: b.Timestamp, Fields: fields}
}

type partialAgg struct {
	buckets []tsindex.BucketResult
	err     error
}

// executeAggregated fans an aggregated query out to every candidate
// Location and merges per-bucket accumulators (§4.8 step 5, "merged per
// group key by the collector's merge function").
func (c *Coordinator) executeAggregated(ctx context.Context, metric string, locs []shard.Location, pq *planner.PhysicalQuery, log *zap.Logger) (*Result, error) {
	results := make(chan partialAgg, len(locs))
	for _, loc := range locs {
		go func(loc shard.Location) {
			idx, err := c.indexes.IndexFor(metric, loc)
			if err != nil {
				results <- partialAgg{err: err}
				return
			}
			searcher := idx.GetSearcher()
			defer searcher.Release()
			col := tsindex.NewCollector(pq.Group, pq.CollectorSpecs)
			if err := idx.QueryCollect(pq.Backing, col, 0); err != nil {
				results <- partialAgg{err: err}
				return
			}
			results <- partialAgg{buckets: col.Results()}
		}(loc)
	}

	merged := make(map[string]map[tsindex.AggSpec]*tsindex.Accumulator)
	var order []string
	for range locs {
		select {
		case <-ctx.Done():
			return nil, nsdberr.Wrap(nsdberr.KindTimeout, ctx.Err(), "query for %q timed out", metric)
		case p := <-results:
			if p.err != nil {
				log.Warn("location query failed", zap.Error(p.err))
				continue
			}
			for _, b := range p.buckets {
				existing, ok := merged[b.Key]
				if !ok {
					merged[b.Key] = b.Specs
					order = append(order, b.Key)
					continue
				}
				for spec, acc := range b.Specs {
					if cur, ok := existing[spec]; ok {
						cur.Merge(acc)
					} else {
						existing[spec] = acc
					}
				}
			}
		}
	}
	sort.Strings(order)

	out := make([]Row, 0, len(order))
	for _, key := range order {
		fields := make(map[string]value.Value, len(pq.Aggregations))
		specs := merged[key]
		for _, af := range pq.Aggregations {
			fields[af.Output] = finalizeAggregation(af, specs)
		}
		if pq.Group != nil {
			if tg, ok := pq.Group.(tsindex.TemporalGroupBy); ok {
				fields["timestamp"] = value.NewString(key)
				_ = tg
			} else {
				fields["group"] = value.NewString(key)
			}
		}
		out = append(out, Row{Fields: fields})
	}
	return &Result{Rows: out}, nil
}

// finalizeAggregation resolves one AggregatedField's output value from its
// collector specs, dividing sum by count for `avg` at merge time (§4.7
// rule 5, §4.8 step 5).
func finalizeAggregation(af planner.AggregatedField, specs map[tsindex.AggSpec]*tsindex.Accumulator) value.Value {
	if af.Aggregation == nsql.AggAvg {
		sum := specs[tsindex.AggSpec{Field: af.Field, Kind: tsindex.AggSum}]
		count := specs[tsindex.AggSpec{Field: af.Field, Kind: tsindex.AggCount}]
		if sum == nil || count == nil || count.Count == 0 {
			return value.NewFloat(0)
		}
		return value.Div(value.NewFloat(sum.Sum), count.Count)
	}
	kind := aggKindOf(af.Aggregation)
	acc := specs[tsindex.AggSpec{Field: af.Field, Kind: kind}]
	if acc == nil {
		return value.Value{}
	}
	return acc.Value()
}

func aggKindOf(a nsql.Aggregation) tsindex.AggKind {
	switch a {
	case nsql.AggSum:
		return tsindex.AggSum
	case nsql.AggMin:
		return tsindex.AggMin
	case nsql.AggMax:
		return tsindex.AggMax
	case nsql.AggFirst:
		return tsindex.AggFirst
	case nsql.AggLast:
		return tsindex.AggLast
	default:
		return tsindex.AggCount
	}
}

// Delete lowers a DeleteStatement to a backing query and enqueues a single
// DeleteByQuery operation, which the Write Accumulator itself fans out
// across every Location currently known for the metric (§4.6, §4.8 "Delete
// path").
func (c *Coordinator) Delete(stmt *nsql.DeleteStatement) error {
	sch, ok := c.registry.Get(stmt.Metric)
	if !ok {
		return nsdberr.New(nsdberr.KindUnknownMetric, "metric %q has no schema", stmt.Metric)
	}
	now := c.now()
	q, err := planner.LowerCondition(stmt.Condition, sch, now)
	if err != nil {
		return err
	}
	c.acc.Enqueue(accumulator.DeleteByQueryOp{Metric: stmt.Metric, Query: q})
	return nil
}

// GetSchema threads straight through to the Schema Registry (§4.8).
func (c *Coordinator) GetSchema(metric string) (*schema.Schema, bool) {
	return c.registry.Get(metric)
}

// GetMetrics threads straight through to the Schema Registry.
func (c *Coordinator) GetMetrics() []string {
	return c.registry.Metrics()
}

// GetCount resolves a metric's live-document count across every Location,
// without planning a projection.
func (c *Coordinator) GetCount(ctx context.Context, metric string) (uint64, error) {
	locs := c.router.RouteRead(metric, shard.Unbounded)
	var total uint64
	for _, loc := range locs {
		idx, err := c.indexes.IndexFor(metric, loc)
		if err != nil {
			return 0, err
		}
		n, err := idx.Count(tsindex.MatchAll{})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
