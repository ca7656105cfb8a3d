package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/store"
)

// IndexNames implements store.IndexReader.
func (m *MemStore) IndexNames(_ context.Context, ref model.DatasetRef, shard int, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sd := m.shardLocked(ref, shard)
	if sd == nil {
		return nil, nil
	}

	names := make([]string, 0, len(sd.postings))
	for name := range sd.postings {
		names = append(names, name)
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// IndexValues implements store.IndexReader.
func (m *MemStore) IndexValues(_ context.Context, ref model.DatasetRef, shard int,
	indexName string, limit int) ([]store.ValueFrequency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sd := m.shardLocked(ref, shard)
	if sd == nil {
		return nil, nil
	}

	byValue := sd.postings[indexName]
	out := make([]store.ValueFrequency, 0, len(byValue))
	for v, bm := range byValue {
		out = append(out, store.ValueFrequency{Value: v, Frequency: bm.GetCardinality()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CardinalityScan implements store.IndexReader. The tree is keyed by the
// dataset's shard-key columns: a record at depth d counts the distinct
// series sharing the first d shard-key values. Series missing a shard-key
// column contribute an empty path element.
func (m *MemStore) CardinalityScan(_ context.Context, ref model.DatasetRef, shard int,
	prefix []string, depth int) ([]store.CardinalityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasets[ref]
	if !ok {
		return nil, nil
	}
	sd := ds.shards[shard]
	keyCols := ds.opts.ShardKeyColumns
	if sd == nil || len(keyCols) == 0 {
		return nil, nil
	}

	if depth < 1 {
		depth = 1
	}
	if depth > len(keyCols) {
		depth = len(keyCols)
	}
	if len(prefix) > depth {
		return nil, nil
	}

	counts := make(map[string]uint64)
scan:
	for _, s := range sd.series {
		path := make([]string, depth)
		for i, col := range keyCols[:depth] {
			path[i], _ = s.key.Get(col)
		}
		for i, p := range prefix {
			if path[i] != p {
				continue scan
			}
		}
		counts[strings.Join(path, "\x00")]++
	}

	out := make([]store.CardinalityRecord, 0, len(counts))
	for joined, n := range counts {
		out = append(out, store.CardinalityRecord{
			Path:  strings.Split(joined, "\x00"),
			Count: n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Join(out[i].Path, "\x00") < strings.Join(out[j].Path, "\x00")
	})
	return out, nil
}
