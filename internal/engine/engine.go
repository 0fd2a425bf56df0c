// Package engine wires the Schema Registry, Shard Router, Index Engine,
// Write Accumulator, Statement Planner and Read Coordinator into the single
// root object a driver constructs, generalized from store.go's
// construct/Open/WriteToShard/Close lifecycle into the richer statement
// surface §4 describes.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/artur-rashitov/NSDb/internal/accumulator"
	"github.com/artur-rashitov/NSDb/internal/config"
	"github.com/artur-rashitov/NSDb/internal/coordinator"
	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/nsql"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/schema"
	"github.com/artur-rashitov/NSDb/internal/shard"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
)

// Stats mirrors the teacher's per-shard Statistics, surfaced here per
// metric rather than a separate metrics subsystem (§12 "Per-metric
// statistics" — a Non-goal excludes dashboards, not counters).
type Stats struct {
	WritesOK  int64
	WritesErr int64
}

type metricStats struct {
	writesOK, writesErr int64
}

// Engine is the single root object a driver (the CLI, or a future network
// front end) constructs: one per (database, namespace) pair, per §3's
// scoping of metrics to a namespace.
type Engine struct {
	mu sync.RWMutex

	database  string
	namespace string
	dataDir   string

	registry *schema.Registry
	router   *shard.Router
	acc      *accumulator.Accumulator
	coord    *coordinator.Coordinator

	indexes map[string]*tsindex.Index // "<metric>/<location id>" -> Index
	stats   map[string]*metricStats   // metric -> counters

	cfg *config.Config
	log *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	disabled map[string]bool // locationKey -> disabled, §12 "Disable/enable"
}

// Option customizes New.
type Option func(*Engine)

// WithLogger overrides the Engine's base logger (§10.1).
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New constructs an Engine for one (database, namespace), rooted at
// dataDir for its on-disk snapshots, configured by cfg.
func New(database, namespace, dataDir string, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		database:  database,
		namespace: namespace,
		dataDir:   dataDir,
		registry:  schema.NewRegistry(database, namespace),
		indexes:   make(map[string]*tsindex.Index),
		stats:     make(map[string]*metricStats),
		disabled:  make(map[string]bool),
		cfg:       cfg,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.router = shard.NewRouter(namespace, int64(cfg.ShardInterval/time.Millisecond))
	e.acc = accumulator.New(e, cfg.FlushInterval, e.log.With(zap.String("component", "accumulator")))
	e.acc.SetObserver(e)
	e.coord = coordinator.New(e.registry, e.router, e, e.acc, nowMillis, cfg.DefaultLimit, 10*time.Second, e.log.With(zap.String("component", "coordinator")))
	return e
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Start creates the data directory and begins the accumulator's flush loop,
// mirroring store.go's Open. It does not reload a persisted Schema Registry
// or Location directory: schemas and Locations start empty, and an index
// snapshot is only loaded when IndexFor is asked for a Location the Router
// knows.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.dataDir, 0o700); err != nil {
		return nsdberr.Wrap(nsdberr.KindInternal, err, "create data dir")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.acc.Run(runCtx)
	}()

	e.log.Info("engine started", zap.String("database", e.database), zap.String("namespace", e.namespace))
	return nil
}

// Shutdown drains every pending operation and stops the flush loop,
// mirroring store.go's Close (close-all-shards-on-close).
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.acc.Stop()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for key, idx := range e.indexes {
		if err := idx.Flush(); err != nil && firstErr == nil {
			firstErr = nsdberr.Wrap(nsdberr.KindIndexIO, err, "flush %s on shutdown", key)
		}
	}
	e.log.Info("engine shut down")
	return firstErr
}

// Write enqueues a single record for indexing, creating or widening the
// metric's schema as needed (§4.6 "write(record)").
func (e *Engine) Write(metric string, b *record.Bit) error {
	if err := e.registry.UpdateFromRecord(metric, b); err != nil {
		return err
	}
	e.acc.Enqueue(accumulator.WriteOp{Metric: metric, Record: b})
	return nil
}

// DeleteByRecord enqueues an exact-match delete (§9 "DeleteByRecord").
func (e *Engine) DeleteByRecord(metric string, b *record.Bit) {
	e.acc.Enqueue(accumulator.DeleteByRecordOp{Metric: metric, Record: b})
}

// Execute runs a parsed statement to completion, dispatching by its
// concrete type (§4.8, §4.9).
func (e *Engine) Execute(ctx context.Context, stmt nsql.Statement) (*coordinator.Result, error) {
	switch s := stmt.(type) {
	case *nsql.SelectStatement:
		return e.coord.Execute(ctx, s)
	case *nsql.InsertStatement:
		ts := nowMillis()
		if s.Timestamp != nil {
			ts = *s.Timestamp
		}
		b := &record.Bit{Timestamp: ts, Value: s.Value, Dimensions: fieldsOf(s.Dimensions), Tags: fieldsOf(s.Tags)}
		return nil, e.Write(s.Metric, b)
	case *nsql.DeleteStatement:
		return nil, e.coord.Delete(s)
	case *nsql.DropStatement:
		e.DropMetric(s.Metric)
		return nil, nil
	default:
		return nil, nsdberr.New(nsdberr.KindInternal, "unsupported statement %T", stmt)
	}
}

// DropMetric removes a metric's schema, routing, and every on-disk index
// snapshot (§4.3 "DropMetric").
func (e *Engine) DropMetric(metric string) {
	e.registry.Delete(metric)
	locs := e.router.Locations(metric)
	e.router.DeleteMetric(metric)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, loc := range locs {
		key := indexKey(metric, loc)
		if idx, ok := e.indexes[key]; ok {
			idx.DeleteAll()
			delete(e.indexes, key)
		}
		_ = os.Remove(filepath.Join(e.dataDir, metric, loc.ID()+".snapshot"))
		delete(e.disabled, key)
	}
}

// SetLocationEnabled toggles a Location's availability without touching its
// data (§12 "Disable/enable of a shard/Location"): reads and writes against
// a disabled Location fail with ErrLocationDisabled.
func (e *Engine) SetLocationEnabled(metric string, loc shard.Location, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := indexKey(metric, loc)
	if enabled {
		delete(e.disabled, key)
	} else {
		e.disabled[key] = true
	}
}

// ErrLocationDisabled is returned by IndexFor for a quiesced Location (§12);
// IndexesForMetric skips such Locations instead of returning it.
var ErrLocationDisabled = fmt.Errorf("location disabled")

func indexKey(metric string, loc shard.Location) string {
	return metric + "/" + loc.ID()
}

func fieldsOf(assigns []nsql.FieldAssign) []record.Field {
	out := make([]record.Field, len(assigns))
	for i, a := range assigns {
		out[i] = record.Field{Name: a.Name, Value: a.Value}
	}
	return out
}

// IndexFor implements coordinator.IndexProvider, opening the Index backing
// loc on first use (§3 "Indices are opened on first use") from its on-disk
// snapshot if present.
func (e *Engine) IndexFor(metric string, loc shard.Location) (*tsindex.Index, error) {
	key := indexKey(metric, loc)

	e.mu.RLock()
	if e.disabled[key] {
		e.mu.RUnlock()
		return nil, ErrLocationDisabled
	}
	idx, ok := e.indexes[key]
	e.mu.RUnlock()
	if ok {
		return idx, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indexes[key]; ok {
		return idx, nil
	}
	path := filepath.Join(e.dataDir, metric, loc.ID()+".snapshot")
	idx = tsindex.NewIndex(metric, path, e.log.With(zap.String("location", loc.ID())))
	if _, err := os.Stat(path); err == nil {
		if err := idx.Load(); err != nil {
			return nil, nsdberr.Wrap(nsdberr.KindIndexIO, err, "load snapshot for %s", key)
		}
	}
	e.indexes[key] = idx
	return idx, nil
}

// IndexForWrite implements accumulator.Resolver, routing ts to its aligned
// Location and opening (or reusing) that Location's Index.
func (e *Engine) IndexForWrite(metric string, ts int64) (*tsindex.Index, error) {
	loc := e.router.RouteWrite(metric, ts)
	return e.IndexFor(metric, loc)
}

// IndexesForMetric implements accumulator.Resolver, returning every
// currently known Location's Index for metric — used by DeleteByQueryOp,
// which must fan out across every Location rather than just one (§4.6).
func (e *Engine) IndexesForMetric(metric string) ([]*tsindex.Index, error) {
	locs := e.router.Locations(metric)
	out := make([]*tsindex.Index, 0, len(locs))
	for _, loc := range locs {
		idx, err := e.IndexFor(metric, loc)
		if err == ErrLocationDisabled {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// GetSchema, GetMetrics and GetCount thread straight through to the Read
// Coordinator (§4.8).
func (e *Engine) GetSchema(metric string) (*schema.Schema, bool) { return e.coord.GetSchema(metric) }
func (e *Engine) GetMetrics() []string                          { return e.coord.GetMetrics() }
func (e *Engine) GetCount(ctx context.Context, metric string) (uint64, error) {
	return e.coord.GetCount(ctx, metric)
}

// OnWriteApplied implements accumulator.Observer, incrementing metric's
// success counter (§12 "Per-metric statistics").
func (e *Engine) OnWriteApplied(metric string) {
	atomic.AddInt64(&e.statsFor(metric).writesOK, 1)
}

// OnWriteDropped implements accumulator.Observer, incrementing metric's
// failure counter.
func (e *Engine) OnWriteDropped(metric string, _ error) {
	atomic.AddInt64(&e.statsFor(metric).writesErr, 1)
}

func (e *Engine) statsFor(metric string) *metricStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[metric]
	if !ok {
		s = &metricStats{}
		e.stats[metric] = s
	}
	return s
}

// GetStats returns metric's write counters, zero-valued if it has never
// been written to.
func (e *Engine) GetStats(metric string) Stats {
	s := e.statsFor(metric)
	return Stats{
		WritesOK:  atomic.LoadInt64(&s.writesOK),
		WritesErr: atomic.LoadInt64(&s.writesErr),
	}
}
