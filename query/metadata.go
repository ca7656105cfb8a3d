package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/store"
)

// IndexNames returns up to limit label column names present on the
// dataset's active shards, merged and sorted.
func (o *Orchestrator) IndexNames(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", model.ErrBadArgument, limit)
	}
	snap := o.table.Snapshot()
	seen := make(map[string]struct{})
	for _, id := range snap.ActiveShards() {
		names, err := o.store.IndexNames(ctx, o.dataset, id, limit)
		if err != nil {
			return nil, fmt.Errorf("index names for shard %d: %w", id, err)
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IndexValues returns up to limit values of one label column on one
// shard, most frequent first.
func (o *Orchestrator) IndexValues(ctx context.Context, shard int, indexName string, limit int) ([]store.ValueFrequency, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", model.ErrBadArgument, limit)
	}
	if indexName == "" {
		return nil, fmt.Errorf("%w: empty index name", model.ErrBadArgument)
	}
	if err := o.checkShard(shard); err != nil {
		return nil, err
	}
	return o.store.IndexValues(ctx, o.dataset, shard, indexName, limit)
}

// TopKCardinality walks the shard-key tree of the given shards (nil means
// active shards, or every shard when addInactive is set) and returns the
// k paths under prefix with the most series, summed across shards,
// ordered by descending count.
func (o *Orchestrator) TopKCardinality(ctx context.Context, shards []int, prefix []string,
	depth, k int, addInactive bool) ([]store.CardinalityRecord, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", model.ErrBadArgument, k)
	}
	snap := o.table.Snapshot()
	if shards == nil {
		if addInactive {
			shards = snap.AllShards()
		} else {
			shards = snap.ActiveShards()
		}
	} else {
		for _, id := range shards {
			if err := o.checkShard(id); err != nil {
				return nil, err
			}
		}
	}

	// Merge by path across shards before ranking, so a path split over
	// several shards competes with its full count.
	counts := make(map[string]store.CardinalityRecord)
	for _, id := range shards {
		records, err := o.store.CardinalityScan(ctx, o.dataset, id, prefix, depth)
		if err != nil {
			return nil, fmt.Errorf("cardinality scan for shard %d: %w", id, err)
		}
		for _, r := range records {
			key := strings.Join(r.Path, "\xff")
			merged, ok := counts[key]
			if !ok {
				merged = store.CardinalityRecord{Path: r.Path}
			}
			merged.Count += r.Count
			counts[key] = merged
		}
	}

	flat := make([]store.CardinalityRecord, 0, len(counts))
	for _, r := range counts {
		flat = append(flat, r)
	}
	return topKRecords(flat, k), nil
}

func (o *Orchestrator) checkShard(shard int) error {
	if n := o.table.Snapshot().NumShards(); shard < 0 || shard >= n {
		return fmt.Errorf("%w: shard %d out of range [0,%d)", model.ErrBadArgument, shard, n)
	}
	return nil
}
