// Package testutil provides shared fixtures for coordinator tests.
package testutil

import (
	"fmt"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/store/memstore"
)

// TwoShardLayout returns the dataset layout the end-to-end tests use: two
// shards, a single "series" label column, and a "min" data column. The layout
// declares no shard-key columns, so queries against it scatter to every shard.
func TwoShardLayout() model.DatasetOptions {
	return model.DatasetOptions{
		NumShards:    2,
		LabelColumns: []string{"series"},
		DataColumns:  []string{"min"},
	}
}

// LinearRows generates n rows of a linear ramp cycling over ten series: row i
// carries value i+1 at timestamp 100000+i*1000 on series "Series <i mod 10>".
func LinearRows(n int) []memstore.Row {
	rows := make([]memstore.Row, n)
	for i := range rows {
		rows[i] = memstore.Row{
			Labels:    map[string]string{"series": fmt.Sprintf("Series %d", i%10)},
			Timestamp: int64(100000 + i*1000),
			Values:    map[string]float64{"min": float64(i + 1)},
		}
	}
	return rows
}

// SeedTwoShards registers ref with the two-shard layout and ingests a 30-row
// linear ramp into shard 0 with its first ten rows replicated onto shard 1.
// The replicated prefix exercises cross-shard deduplication: both copies carry
// identical samples, so merged results must count each exactly once.
func SeedTwoShards(ms *memstore.MemStore, ref model.DatasetRef) error {
	ms.RegisterDataset(ref, TwoShardLayout())
	rows := LinearRows(30)
	if err := ms.IngestRows(ref, 0, rows); err != nil {
		return err
	}
	return ms.IngestRows(ref, 1, rows[:10])
}
