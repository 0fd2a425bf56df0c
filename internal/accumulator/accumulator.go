// Package accumulator implements the Write Accumulator (§4.6, §4.9): a
// per-namespace, per-metric buffer of pending writes/deletes that drains on
// a fixed-period timer rather than applying each operation synchronously.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/tsindex"
)

// PartialWriteError reports that a metric's flush applied most of its
// pending records but dropped some for per-record validation failures
// (§4.6, §12 "Partial-write semantics"), grounded on shard.go's
// PartialWriteError. Unlike an IndexIOError it is not retried: the dropped
// records are permanently invalid against the metric's schema, not
// transiently unwritable.
type PartialWriteError struct {
	Metric  string
	Applied int
	Dropped int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("metric %q: applied=%d dropped=%d", e.Metric, e.Applied, e.Dropped)
}

// Operation is the tagged union of §4.6 "Operation ∈ {Write, DeleteByRecord,
// DeleteByQuery}".
type Operation interface {
	op()
}

// WriteOp indexes a new record.
type WriteOp struct {
	Metric string
	Record *record.Bit
}

func (WriteOp) op() {}

// DeleteByRecordOp removes a record by exact identity match.
type DeleteByRecordOp struct {
	Metric string
	Record *record.Bit
}

func (DeleteByRecordOp) op() {}

// DeleteByQueryOp mass-deletes every document matching a backing query,
// across every Location currently known for Metric.
type DeleteByQueryOp struct {
	Metric string
	Query  tsindex.Query
}

func (DeleteByQueryOp) op() {}

// Resolver locates the Index (or set of Indices) an Operation should apply
// to, deferring to the Shard Router for location alignment (§4.5).
type Resolver interface {
	IndexForWrite(metric string, ts int64) (*tsindex.Index, error)
	IndexesForMetric(metric string) ([]*tsindex.Index, error)
}

// Observer receives per-metric write outcomes as they're applied, feeding
// the root Engine's statistics counters (§12 "Per-metric statistics").
type Observer interface {
	OnWriteApplied(metric string)
	OnWriteDropped(metric string, err error)
}

type noopObserver struct{}

func (noopObserver) OnWriteApplied(string)        {}
func (noopObserver) OnWriteDropped(string, error) {}

// state is the Write Accumulator's §4.9 state machine: accepting <-tick->
// draining.
type state int

const (
	stateAccepting state = iota
	stateDraining
)

// Accumulator buffers pending Operations per metric for one (database,
// namespace) pair and flushes them on a fixed-period timer, generalized
// from the teacher's in-memory write path (engine/inmem/inmem.go) into an
// explicit two-state machine per §4.9.
type Accumulator struct {
	mu       sync.Mutex
	state    state
	pending  map[string][]Operation // metric -> ordered ops
	stashed  []Operation
	resolver Resolver
	observer Observer
	log      *zap.Logger

	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// New builds an Accumulator that flushes every flushInterval against
// resolver.
func New(resolver Resolver, flushInterval time.Duration, log *zap.Logger) *Accumulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accumulator{
		state:         stateAccepting,
		pending:       make(map[string][]Operation),
		resolver:      resolver,
		observer:      noopObserver{},
		log:           log,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SetObserver installs o to receive write outcomes; pass nil to detach.
func (a *Accumulator) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	a.mu.Lock()
	a.observer = o
	a.mu.Unlock()
}

// Enqueue accepts op for later application. In the draining state the
// operation is stashed and replayed FIFO once draining completes (§4.9); in
// the accepting state it's appended directly to its metric's buffer.
func (a *Accumulator) Enqueue(op Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateDraining {
		a.stashed = append(a.stashed, op)
		return
	}
	a.appendLocked(op)
}

func (a *Accumulator) appendLocked(op Operation) {
	metric := metricOf(op)
	a.pending[metric] = append(a.pending[metric], op)
}

func metricOf(op Operation) string {
	switch v := op.(type) {
	case WriteOp:
		return v.Metric
	case DeleteByRecordOp:
		return v.Metric
	case DeleteByQueryOp:
		return v.Metric
	default:
		return ""
	}
}

// Run starts the fixed-period flush timer (§4.6 "write.scheduler.interval")
// and blocks until ctx is canceled or Stop is called.
func (a *Accumulator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.Drain()
			return
		case <-a.stop:
			a.Drain()
			return
		case <-ticker.C:
			a.Drain()
		}
	}
}

// Stop halts Run's loop after one final drain.
func (a *Accumulator) Stop() {
	close(a.stop)
	<-a.done
}

// Drain performs one full accepting->draining->accepting cycle, applying
// every metric's pending operations in enqueue order (§4.6, §4.9).
func (a *Accumulator) Drain() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	a.state = stateDraining
	batch := a.pending
	a.pending = make(map[string][]Operation)
	a.mu.Unlock()

	start := time.Now()
	applied := 0
	for metric, ops := range batch {
		n, err := a.applyMetric(metric, ops)
		applied += n
		var partial *PartialWriteError
		switch {
		case errors.As(err, &partial):
			a.log.Warn("metric flush applied with dropped records",
				zap.String("metric", metric), zap.Int("dropped", partial.Dropped))
		case err != nil:
			a.log.Warn("metric flush failed, ops retained for next tick",
				zap.String("metric", metric), zap.Error(err))
			a.mu.Lock()
			a.pending[metric] = append(ops, a.pending[metric]...)
			a.mu.Unlock()
		}
	}
	a.log.Debug("accumulator drained",
		zap.Int("ops_applied", applied),
		zap.String("duration", humanize.RelTime(start, time.Now(), "", "")))

	a.mu.Lock()
	a.state = stateAccepting
	stashed := a.stashed
	a.stashed = nil
	a.mu.Unlock()

	for _, op := range stashed {
		a.Enqueue(op)
	}
}

// applyMetric opens the metric's writer, applies every op in order,
// flushes, and closes — per-record validation failures are logged and
// skipped without aborting the batch (§4.6 "Failure").
func (a *Accumulator) applyMetric(metric string, ops []Operation) (int, error) {
	applied := 0
	dropped := 0
	touched := make(map[*tsindex.Index]func())

	defer func() {
		for idx, release := range touched {
			idx.Flush()
			release()
		}
	}()

	for _, op := range ops {
		switch v := op.(type) {
		case WriteOp:
			idx, err := a.withRetry(func() (*tsindex.Index, error) {
				return a.resolver.IndexForWrite(metric, v.Record.Timestamp)
			})
			if err != nil {
				return applied, err
			}
			if err := a.ensureWriter(idx, touched); err != nil {
				return applied, err
			}
			if _, err := idx.Write(v.Record); err != nil {
				a.log.Warn("dropping invalid record", zap.String("metric", metric), zap.Error(err))
				a.observer.OnWriteDropped(metric, err)
				dropped++
				continue
			}
			applied++
			a.observer.OnWriteApplied(metric)
		case DeleteByRecordOp:
			idx, err := a.withRetry(func() (*tsindex.Index, error) {
				return a.resolver.IndexForWrite(metric, v.Record.Timestamp)
			})
			if err != nil {
				return applied, err
			}
			if err := a.ensureWriter(idx, touched); err != nil {
				return applied, err
			}
			if _, err := idx.Delete(v.Record); err != nil {
				return applied, err
			}
			applied++
		case DeleteByQueryOp:
			idxs, err := a.resolver.IndexesForMetric(metric)
			if err != nil {
				return applied, err
			}
			for _, idx := range idxs {
				if err := a.ensureWriter(idx, touched); err != nil {
					return applied, err
				}
				if _, err := idx.DeleteByQuery(v.Query); err != nil {
					return applied, err
				}
			}
			applied++
		}
	}
	if dropped > 0 {
		return applied, &PartialWriteError{Metric: metric, Applied: applied, Dropped: dropped}
	}
	return applied, nil
}

func (a *Accumulator) ensureWriter(idx *tsindex.Index, touched map[*tsindex.Index]func()) error {
	if _, ok := touched[idx]; ok {
		return nil
	}
	release, err := idx.GetWriter()
	if err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "open writer")
	}
	touched[idx] = release
	return nil
}

// withRetry resolves an Index with an exponential backoff against
// IndexIOError, per §4.6 "An I/O failure during flush marks the metric's
// flush as failed ... and retries on the next tick" — narrowed here to a
// few immediate retries for transient resolver errors before giving up to
// the next tick.
func (a *Accumulator) withRetry(fn func() (*tsindex.Index, error)) (*tsindex.Index, error) {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	var idx *tsindex.Index
	err := backoff.Retry(func() error {
		var e error
		idx, e = fn()
		if e != nil && !nsdberr.Is(e, nsdberr.KindIndexIO) {
			return backoff.Permanent(e)
		}
		return e
	}, b)
	return idx, err
}
