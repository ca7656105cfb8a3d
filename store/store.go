// Package store defines the read interface the query runtime consumes from
// the storage engine. The engine itself (chunk layout, compaction,
// durability) lives elsewhere; this package only names what the
// coordinator needs: per-shard chunk reads and index lookups.
// store/memstore provides the in-memory implementation used in tests and
// single-process deployments.
package store

import (
	"context"
	"iter"

	"github.com/meridiandb/meridian/model"
)

// Chunk is a columnar run of samples for one series: parallel slices of
// timestamps and per-column values, sorted by timestamp ascending.
type Chunk struct {
	Key        model.SeriesKey
	Timestamps []int64
	Values     map[string][]float64
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Timestamps) }

// ValueFrequency is one index value with the number of series carrying it.
type ValueFrequency struct {
	Value     string `json:"value"`
	Frequency uint64 `json:"frequency"`
}

// CardinalityRecord counts the distinct series under one shard-key path.
type CardinalityRecord struct {
	Path  []string `json:"path"`
	Count uint64   `json:"count"`
}

// ChunkSource reads raw sample chunks scoped to one shard and time range.
type ChunkSource interface {
	// ReadChunks returns a lazy sequence of chunks matching the filters,
	// projected to the requested value columns, clipped to tr. Chunks
	// arrive in canonical series-key order. The sequence yields a non-nil
	// error at most once, as its final element.
	ReadChunks(ctx context.Context, dataset model.DatasetRef, shard int,
		filters []model.ColumnFilter, columns []string, tr model.TimeRange) iter.Seq2[Chunk, error]
}

// IndexReader serves label-index metadata queries for one shard.
type IndexReader interface {
	// IndexNames returns up to limit label column names, sorted.
	IndexNames(ctx context.Context, dataset model.DatasetRef, shard int, limit int) ([]string, error)

	// IndexValues returns up to limit values of one label column with
	// their series frequencies, most frequent first.
	IndexValues(ctx context.Context, dataset model.DatasetRef, shard int,
		indexName string, limit int) ([]ValueFrequency, error)

	// CardinalityScan walks the shard-key column tree to the given depth
	// and returns the series count under every path extending prefix.
	CardinalityScan(ctx context.Context, dataset model.DatasetRef, shard int,
		prefix []string, depth int) ([]CardinalityRecord, error)
}

// Store is the full read surface the coordinator consumes.
type Store interface {
	ChunkSource
	IndexReader
}
