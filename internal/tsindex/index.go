// Package tsindex implements the per-metric inverted index the Index Engine
// uses to serve writes, deletes, and physical queries (§4.4).
package tsindex

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/influxdata/influxdb/pkg/bytesutil"
	"github.com/influxdata/influxdb/pkg/estimator/hll"
	"github.com/influxdata/influxdb/pkg/mmap"
	"github.com/influxdata/influxdb/pkg/rhh"
	"go.uber.org/zap"

	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/record"
	"github.com/artur-rashitov/NSDb/internal/value"
)

// document is the index's internal representation of a written Bit: its
// full field set plus the doc id every posting list references.
type document struct {
	id        uint32
	timestamp int64
	fields    map[string]value.Value
	deleted   bool
}

func termKey(field string, v value.Value) []byte {
	buf := make([]byte, 0, len(field)+1+16)
	buf = append(buf, field...)
	buf = append(buf, '=')
	buf = append(buf, value.SortKey(v)...)
	return buf
}

// Index is the single-metric inverted index: an in-memory robin-hood hash
// map from term key to posting-list bitmap, a per-field existence bitmap,
// per-field cardinality sketches, and the identity-keyed document store
// delete-by-record needs (§4.4, §8 invariant: "a deleted record's fields no
// longer satisfy any query").
type Index struct {
	mu sync.RWMutex

	metric string
	log    *zap.Logger

	docs      map[uint32]*document
	byIdentity map[string]uint32
	nextID    uint32

	// fieldKinds locks each field name to the Tag of the first value ever
	// indexed under it, a defense-in-depth mirror of the Schema Registry's
	// own type-conflict check (meta.go's createFieldIfNotExists) enforced
	// here too since the index is the last stop before a record becomes
	// queryable.
	fieldKinds map[string]value.Tag

	terms  *rhh.HashMap // termKey -> *roaring.Bitmap
	fields map[string]*roaring.Bitmap // field name -> existence bitmap
	sortedTerms map[string][][]byte   // field -> sorted, deduped term sort-keys (for RangeQuery)
	dirty  map[string]bool           // field -> sortedTerms needs a re-sort
	termValues map[string]value.Value // term key (as string) -> its original typed value

	sketches map[string]*hll.Plus // field -> cardinality sketch

	writerOpen bool

	snapshotPath string
}

// NewIndex constructs an empty Index for metric, optionally persisting
// snapshots under snapshotPath (empty disables persistence).
func NewIndex(metric, snapshotPath string, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		metric:       metric,
		log:          log,
		docs:         make(map[uint32]*document),
		byIdentity:   make(map[string]uint32),
		fieldKinds:   make(map[string]value.Tag),
		terms:        rhh.NewHashMap(rhh.DefaultOptions),
		fields:       make(map[string]*roaring.Bitmap),
		sortedTerms:  make(map[string][][]byte),
		dirty:        make(map[string]bool),
		termValues:   make(map[string]value.Value),
		sketches:     make(map[string]*hll.Plus),
		snapshotPath: snapshotPath,
	}
}

// GetWriter acquires single-writer access to the index (§4.9 "a metric
// accepts at most one in-flight writer at a time"). Release must be called
// when the caller is done.
func (idx *Index) GetWriter() (func(), error) {
	idx.mu.Lock()
	if idx.writerOpen {
		idx.mu.Unlock()
		return nil, nsdberr.New(nsdberr.KindInternal, "metric %q already has an open writer", idx.metric)
	}
	idx.writerOpen = true
	idx.mu.Unlock()

	return func() {
		idx.mu.Lock()
		idx.writerOpen = false
		idx.mu.Unlock()
	}, nil
}

// Searcher pins a consistent read view of the index; Release must be called
// once the caller is done reading (engine/tsi1's Index.RetainFileSet idiom,
// simplified from refcounted file sets to a plain RLock since queries here
// run against the live in-memory term index rather than reopened segments).
type Searcher struct {
	idx *Index
}

// GetSearcher acquires a read view for one or more subsequent queries.
func (idx *Index) GetSearcher() *Searcher {
	idx.mu.RLock()
	return &Searcher{idx: idx}
}

// Release ends the read view.
func (s *Searcher) Release() {
	s.idx.mu.RUnlock()
}

// Write indexes one record under the writer's exclusive access, returning
// the assigned document id. A record whose field type conflicts with a
// field name already locked to a different type by an earlier write is
// rejected rather than partially applied (§4.6 "per-record validation
// error is logged and the record dropped").
func (idx *Index) Write(b *record.Bit) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fields := map[string]value.Value{"timestamp": value.NewInt(b.Timestamp), "value": b.Value}
	for _, f := range b.Dimensions {
		fields[f.Name] = f.Value
	}
	for _, f := range b.Tags {
		fields[f.Name] = f.Value
	}

	for name, v := range fields {
		if kind, ok := idx.fieldKinds[name]; ok && kind != v.Tag {
			return 0, nsdberr.New(nsdberr.KindSchemaConflict,
				"metric %q: field %q type %s conflicts with indexed type %s", idx.metric, name, v.Tag, kind)
		}
	}

	id := idx.nextID
	idx.nextID++

	doc := &document{id: id, timestamp: b.Timestamp, fields: fields}
	idx.docs[id] = doc
	idx.byIdentity[b.Identity()] = id

	for name, v := range fields {
		idx.fieldKinds[name] = v.Tag
		idx.indexTerm(name, v, id)
	}
	return id, nil
}

func (idx *Index) indexTerm(field string, v value.Value, id uint32) {
	key := termKey(field, v)

	existence, ok := idx.fields[field]
	if !ok {
		existence = roaring.New()
		idx.fields[field] = existence
	}
	existence.Add(id)

	if raw, ok := idx.terms.Get(key).(*roaring.Bitmap); ok {
		raw.Add(id)
	} else {
		bm := roaring.New()
		bm.Add(id)
		idx.terms.Put(key, bm)
		idx.dirty[field] = true
		idx.termValues[string(key)] = v
	}

	sketch, ok := idx.sketches[field]
	if !ok {
		sketch = hll.NewDefaultPlus()
		idx.sketches[field] = sketch
	}
	sketch.Add(value.SortKey(v))
}

// Delete removes the document matching b's exact field set, if any (§4.4
// "DeleteByRecord"). Only the most recently written document with that
// field set is removed: earlier writes of an identical record stay indexed.
func (idx *Index) Delete(b *record.Bit) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byIdentity[b.Identity()]
	if !ok {
		return false, nil
	}
	idx.removeDoc(id)
	delete(idx.byIdentity, b.Identity())
	return true, nil
}

// DeleteByQuery removes every live document matching q (§4.4 "mass
// deletion by query").
func (idx *Index) DeleteByQuery(q Query) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	matched := idx.eval(q)
	n := 0
	it := matched.Iterator()
	for it.HasNext() {
		id := it.Next()
		if doc, ok := idx.docs[id]; ok && !doc.deleted {
			idx.removeDoc(id)
			n++
		}
	}
	return n, nil
}

// DeleteAll clears the index entirely (§4.4 "DROP METRIC").
func (idx *Index) DeleteAll() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = make(map[uint32]*document)
	idx.byIdentity = make(map[string]uint32)
	idx.fieldKinds = make(map[string]value.Tag)
	idx.terms = rhh.NewHashMap(rhh.DefaultOptions)
	idx.fields = make(map[string]*roaring.Bitmap)
	idx.sortedTerms = make(map[string][][]byte)
	idx.dirty = make(map[string]bool)
	idx.termValues = make(map[string]value.Value)
	idx.sketches = make(map[string]*hll.Plus)
}

func (idx *Index) removeDoc(id uint32) {
	doc, ok := idx.docs[id]
	if !ok || doc.deleted {
		return
	}
	doc.deleted = true
	for name, v := range doc.fields {
		key := termKey(name, v)
		if bm, ok := idx.terms.Get(key).(*roaring.Bitmap); ok {
			bm.Remove(id)
		}
		if existence, ok := idx.fields[name]; ok {
			existence.Remove(id)
		}
	}
}

// Count returns the number of live documents matching q.
func (idx *Index) Count(q Query) (uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.eval(q).GetCardinality(), nil
}

// SortOrder names the field and direction a shard's results should be
// ordered by before limit truncates them, so a shard's QueryFields
// contributes its own true top-K under the requested sort rather than an
// arbitrary doc-id-order prefix (§4.4, §4.8 step 5 "each shard must return
// at least limit candidates so the global top-K is correct").
type SortOrder struct {
	Field      string
	Descending bool
}

// QueryFields runs q, orders every live match by order (nil leaves doc-id
// order, used when the statement has no ORDER BY), truncates to limit
// (<=0 means unbounded), and projects down to the requested fields (nil
// means all fields).
func (idx *Index) QueryFields(q Query, fields []string, order *SortOrder, limit int) ([]*record.Bit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matched := idx.eval(q)
	docs := make([]*document, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		id := it.Next()
		doc, ok := idx.docs[id]
		if !ok || doc.deleted {
			continue
		}
		docs = append(docs, doc)
	}

	if order != nil {
		sortDocs(docs, order)
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}

	out := make([]*record.Bit, 0, len(docs))
	for _, doc := range docs {
		out = append(out, idx.project(doc, fields))
	}
	return out, nil
}

func sortDocs(docs []*document, order *SortOrder) {
	sort.Slice(docs, func(i, j int) bool {
		ord := value.Compare(docs[i].fields[order.Field], docs[j].fields[order.Field])
		if order.Descending {
			return ord == value.Greater
		}
		return ord == value.Less
	})
}

func (idx *Index) project(doc *document, fields []string) *record.Bit {
	b := &record.Bit{Timestamp: doc.timestamp}
	if v, ok := doc.fields["value"]; ok {
		b.Value = v
	}
	names := fields
	if names == nil {
		names = make([]string, 0, len(doc.fields))
		for name := range doc.fields {
			if name == "timestamp" || name == "value" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		if name == "timestamp" || name == "value" {
			continue
		}
		if v, ok := doc.fields[name]; ok {
			b.Dimensions = append(b.Dimensions, record.Field{Name: name, Value: v})
		}
	}
	return b
}

// QueryCollect feeds every live document matching q into collector, in doc
// id order (§4.4 "query(q, collector, ...)").
func (idx *Index) QueryCollect(q Query, collector *Collector, limit int) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matched := idx.eval(q)
	it := matched.Iterator()
	n := 0
	for it.HasNext() {
		id := it.Next()
		doc, ok := idx.docs[id]
		if !ok || doc.deleted {
			continue
		}
		collector.Collect(doc)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return nil
}

// Cardinality reports an approximate distinct-value count for field, using
// its HyperLogLog++ sketch (supplemented feature, SPEC_FULL.md §12).
func (idx *Index) Cardinality(field string) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if s, ok := idx.sketches[field]; ok {
		return s.Count()
	}
	return 0
}

// eval lowers a Query into the matching live-document bitmap.
func (idx *Index) eval(q Query) *roaring.Bitmap {
	switch v := q.(type) {
	case MatchAll:
		all := roaring.New()
		for id, doc := range idx.docs {
			if !doc.deleted {
				all.Add(id)
			}
		}
		return all
	case Term:
		key := termKey(v.Field, v.Value)
		if bm, ok := idx.terms.Get(key).(*roaring.Bitmap); ok {
			return bm.Clone()
		}
		return roaring.New()
	case Exists:
		if bm, ok := idx.fields[v.Field]; ok {
			return bm.Clone()
		}
		return roaring.New()
	case Wildcard:
		out := roaring.New()
		idx.forEachTerm(v.Field, func(key []byte, val value.Value, bm *roaring.Bitmap) {
			if val.Tag == value.String && value.MatchesWildcard(val.StrVal, v.Pattern) {
				out.Or(bm)
			}
		})
		return out
	case RangeQuery:
		out := roaring.New()
		idx.forEachTerm(v.Field, func(key []byte, val value.Value, bm *roaring.Bitmap) {
			if rangeMatches(v, val) {
				out.Or(bm)
			}
		})
		return out
	case Bool:
		return idx.evalBool(v)
	default:
		return roaring.New()
	}
}

func rangeMatches(r RangeQuery, v value.Value) bool {
	if r.FromSet {
		ord := value.Compare(v, r.From)
		if ord == value.Incomparable {
			return false
		}
		if r.FromIncl {
			if ord == value.Less {
				return false
			}
		} else if ord != value.Greater {
			return false
		}
	}
	if r.ToSet {
		ord := value.Compare(v, r.To)
		if ord == value.Incomparable {
			return false
		}
		if r.ToIncl {
			if ord == value.Greater {
				return false
			}
		} else if ord != value.Less {
			return false
		}
	}
	return true
}

func (idx *Index) evalBool(b Bool) *roaring.Bitmap {
	var result *roaring.Bitmap
	for _, sub := range b.Must {
		m := idx.eval(sub)
		if result == nil {
			result = m
		} else {
			result.And(m)
		}
	}
	if result == nil {
		all := roaring.New()
		for id, doc := range idx.docs {
			if !doc.deleted {
				all.Add(id)
			}
		}
		result = all
	}
	if len(b.Should) > 0 {
		should := roaring.New()
		for _, sub := range b.Should {
			should.Or(idx.eval(sub))
		}
		result.And(should)
	}
	for _, sub := range b.MustNot {
		result.AndNot(idx.eval(sub))
	}
	return result
}

// forEachTerm walks every term indexed under field, invoking fn with its
// sort key, decoded value, and posting bitmap. Walk order follows the
// field's sorted term-key slice (rebuilt lazily via bytesutil.Sort when
// marked dirty); every term of the field is visited.
func (idx *Index) forEachTerm(field string, fn func(key []byte, v value.Value, bm *roaring.Bitmap)) {
	idx.ensureSorted(field)
	for _, key := range idx.sortedTerms[field] {
		if bm, ok := idx.terms.Get(key).(*roaring.Bitmap); ok {
			fn(key, idx.termValues[string(key)], bm)
		}
	}
}

// ensureSorted rebuilds the field's sorted term-key slice if a write added
// new terms since the last sort, scanning the whole term hash map and sorting
// the field's keys with bytesutil.Sort.
func (idx *Index) ensureSorted(field string) {
	if !idx.dirty[field] {
		return
	}
	keys := make([][]byte, 0, idx.terms.Cap())
	prefix := []byte(field + "=")
	for i := 0; i < idx.terms.Cap(); i++ {
		k, v := idx.terms.Elem(i)
		if v == nil || !bytes.HasPrefix(k, prefix) {
			continue
		}
		cp := make([]byte, len(k))
		copy(cp, k)
		keys = append(keys, cp)
	}
	bytesutil.Sort(keys)
	idx.sortedTerms[field] = keys
	idx.dirty[field] = false
}

// snapshot is the gob-encoded representation an Index persists across
// restarts (§3 "Lifecycles": "index content persists across restarts").
type snapshot struct {
	Metric string
	Docs   []snapshotDoc
	NextID uint32
}

type snapshotDoc struct {
	ID        uint32
	Timestamp int64
	Fields    map[string]value.Value
	Deleted   bool
}

// Flush persists the index's current document set to snapshotPath via a
// gob-encoded file, reopened with mmap on the next Load (index/tsi1's
// segment-reopen idiom, simplified to a single segment rather than TSI1's
// multi-section trailer format).
func (idx *Index) Flush() error {
	if idx.snapshotPath == "" {
		return nil
	}
	idx.mu.RLock()
	snap := snapshot{Metric: idx.metric, NextID: idx.nextID}
	for _, doc := range idx.docs {
		snap.Docs = append(snap.Docs, snapshotDoc{ID: doc.id, Timestamp: doc.timestamp, Fields: doc.fields, Deleted: doc.deleted})
	}
	idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "encode snapshot for metric %q", idx.metric)
	}
	if err := os.MkdirAll(filepath.Dir(idx.snapshotPath), 0o755); err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "create snapshot dir for metric %q", idx.metric)
	}
	if err := os.WriteFile(idx.snapshotPath, buf.Bytes(), 0o644); err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "write snapshot for metric %q", idx.metric)
	}
	idx.log.Debug("flushed index snapshot", zap.String("metric", idx.metric), zap.Int("docs", len(snap.Docs)))
	return nil
}

// Load reopens a previously flushed snapshot by mmap'ing it and replaying
// every non-deleted document back into the term index.
func (idx *Index) Load() error {
	if idx.snapshotPath == "" {
		return nil
	}
	if _, err := os.Stat(idx.snapshotPath); os.IsNotExist(err) {
		return nil
	}
	data, err := mmap.Map(idx.snapshotPath, 0)
	if err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "mmap snapshot for metric %q", idx.metric)
	}
	defer mmap.Unmap(data)

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nsdberr.Wrap(nsdberr.KindIndexIO, err, "decode snapshot for metric %q", idx.metric)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nextID = snap.NextID
	for _, d := range snap.Docs {
		doc := &document{id: d.ID, timestamp: d.Timestamp, fields: d.Fields, deleted: d.Deleted}
		idx.docs[d.ID] = doc
		if !d.Deleted {
			for name, v := range d.Fields {
				idx.fieldKinds[name] = v.Tag
				idx.indexTerm(name, v, d.ID)
			}
		}
	}
	return nil
}
