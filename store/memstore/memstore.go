// Package memstore is the in-memory store.Store implementation: roaring
// label postings over columnar per-series sample runs, partitioned by
// dataset and shard. It backs tests and single-process deployments; it is
// not a durability layer.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/store"
)

// Row is one ingested sample: a label set identifying the series, a
// timestamp and one value per data column present at that instant.
type Row struct {
	Labels    map[string]string
	Timestamp int64
	Values    map[string]float64
}

type sample struct {
	ts     int64
	values map[string]float64
}

type series struct {
	key     model.SeriesKey
	samples []sample // sorted by ts ascending
}

type shardData struct {
	series   []*series
	byKey    map[string]uint32
	postings map[string]map[string]*roaring.Bitmap
	all      *roaring.Bitmap
}

func newShardData() *shardData {
	return &shardData{
		byKey:    make(map[string]uint32),
		postings: make(map[string]map[string]*roaring.Bitmap),
		all:      roaring.New(),
	}
}

type datasetData struct {
	opts   model.DatasetOptions
	shards map[int]*shardData
}

// MemStore holds sample data for any number of datasets.
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	datasets map[model.DatasetRef]*datasetData
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{datasets: make(map[model.DatasetRef]*datasetData)}
}

// RegisterDataset declares a dataset before ingestion. The options carry
// the shard-key columns the cardinality tree is built over.
func (m *MemStore) RegisterDataset(ref model.DatasetRef, opts model.DatasetOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[ref]; ok {
		return
	}
	m.datasets[ref] = &datasetData{opts: opts, shards: make(map[int]*shardData)}
}

// IngestRows writes rows into one explicit shard. Ingestion here is
// test-directed: routing rows by shard-key hash is the ingestion
// pipeline's job, not the store's. A row whose timestamp collides with an
// existing sample of the same series overwrites that sample's matching
// columns.
func (m *MemStore) IngestRows(ref model.DatasetRef, shard int, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	sd, ok := ds.shards[shard]
	if !ok {
		sd = newShardData()
		ds.shards[shard] = sd
	}

	for _, row := range rows {
		key := model.KeyFromMap(row.Labels)
		id, ok := sd.byKey[key.String()]
		if !ok {
			id = uint32(len(sd.series))
			sd.series = append(sd.series, &series{key: key})
			sd.byKey[key.String()] = id
			sd.all.Add(id)
			for _, l := range key {
				values, ok := sd.postings[l.Name]
				if !ok {
					values = make(map[string]*roaring.Bitmap)
					sd.postings[l.Name] = values
				}
				bm, ok := values[l.Value]
				if !ok {
					bm = roaring.New()
					values[l.Value] = bm
				}
				bm.Add(id)
			}
		}
		sd.series[id].insert(row.Timestamp, row.Values)
	}
	return nil
}

// insert places one sample keeping the run sorted. Appends are the common
// case; out-of-order timestamps binary-search their slot.
func (s *series) insert(ts int64, values map[string]float64) {
	vals := make(map[string]float64, len(values))
	for c, v := range values {
		vals[c] = v
	}

	n := len(s.samples)
	if n == 0 || ts > s.samples[n-1].ts {
		s.samples = append(s.samples, sample{ts: ts, values: vals})
		return
	}
	i := sort.Search(n, func(i int) bool { return s.samples[i].ts >= ts })
	if i < n && s.samples[i].ts == ts {
		for c, v := range vals {
			s.samples[i].values[c] = v
		}
		return
	}
	s.samples = append(s.samples, sample{})
	copy(s.samples[i+1:], s.samples[i:])
	s.samples[i] = sample{ts: ts, values: vals}
}

// matching evaluates the filters against the postings. Equals and In
// select the union of the listed values; NotEquals subtracts it.
func (sd *shardData) matching(filters []model.ColumnFilter) *roaring.Bitmap {
	cand := sd.all.Clone()
	for _, f := range filters {
		selected := sd.posting(f.Column, f.Values)
		switch f.Op {
		case model.FilterNotEquals:
			cand.AndNot(selected)
		default:
			cand.And(selected)
		}
	}
	return cand
}

func (sd *shardData) posting(column string, values []string) *roaring.Bitmap {
	out := roaring.New()
	byValue, ok := sd.postings[column]
	if !ok {
		return out
	}
	for _, v := range values {
		if bm, ok := byValue[v]; ok {
			out.Or(bm)
		}
	}
	return out
}

// ReadChunks implements store.ChunkSource. One chunk per matching series,
// in canonical key order; samples are included when they fall inside tr
// and carry every requested column.
func (m *MemStore) ReadChunks(ctx context.Context, ref model.DatasetRef, shard int,
	filters []model.ColumnFilter, columns []string, tr model.TimeRange) iter.Seq2[store.Chunk, error] {
	return func(yield func(store.Chunk, error) bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		sd := m.shardLocked(ref, shard)
		if sd == nil || tr.IsEmpty() {
			return
		}

		cand := sd.matching(filters)
		matched := make([]*series, 0, cand.GetCardinality())
		it := cand.Iterator()
		for it.HasNext() {
			matched = append(matched, sd.series[it.Next()])
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].key.Compare(matched[j].key) < 0
		})

		for _, s := range matched {
			if err := ctx.Err(); err != nil {
				yield(store.Chunk{}, err)
				return
			}
			chunk, ok := buildChunk(s, columns, tr)
			if !ok {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func buildChunk(s *series, columns []string, tr model.TimeRange) (store.Chunk, bool) {
	chunk := store.Chunk{
		Key:    s.key,
		Values: make(map[string][]float64, len(columns)),
	}

	lo := sort.Search(len(s.samples), func(i int) bool { return s.samples[i].ts >= tr.Start })
samples:
	for _, smp := range s.samples[lo:] {
		if smp.ts > tr.End {
			break
		}
		for _, c := range columns {
			if _, ok := smp.values[c]; !ok {
				continue samples
			}
		}
		chunk.Timestamps = append(chunk.Timestamps, smp.ts)
		for _, c := range columns {
			chunk.Values[c] = append(chunk.Values[c], smp.values[c])
		}
	}
	if len(chunk.Timestamps) == 0 {
		return store.Chunk{}, false
	}
	return chunk, true
}

// shardLocked returns the shard's data or nil. Unknown datasets and shards
// read as empty; existence is the coordinator's concern, not the store's.
func (m *MemStore) shardLocked(ref model.DatasetRef, shard int) *shardData {
	ds, ok := m.datasets[ref]
	if !ok {
		return nil
	}
	return ds.shards[shard]
}
