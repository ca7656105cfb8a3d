package planner

import (
	"fmt"
	"sort"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/shard"
)

// maxKeyCombinations bounds the cross product of pinned shard-key values.
// Past the bound the planner scatters to all shards instead of hashing
// every candidate key.
const maxKeyCombinations = 1024

// implicatedShards resolves the shard set one raw read must touch:
// explicit overrides intersected with the hash-derived set when filters
// pin every shard-key column, either alone when only one is available,
// and all shards when neither is.
func (l *lowering) implicatedShards(filters []model.ColumnFilter) ([]int, error) {
	var overrides []int
	haveOverrides := l.qctx.ShardOverrides != nil
	if haveOverrides {
		var err error
		overrides, err = normalizeShardIDs(l.qctx.ShardOverrides, l.snap.NumShards())
		if err != nil {
			return nil, err
		}
	}
	derived, derivable := l.hashDerivedShards(filters)
	switch {
	case haveOverrides && derivable:
		return intersectSorted(overrides, derived), nil
	case haveOverrides:
		return overrides, nil
	case derivable:
		return derived, nil
	default:
		return l.snap.AllShards(), nil
	}
}

// hashDerivedShards computes the shard set from the shard-key columns'
// equality filters. The set is derivable only when every shard-key column
// is pinned by an Equals or In filter; the candidate keys are the cross
// product of the pinned value sets, each hashed and expanded by its
// resolved spread.
func (l *lowering) hashDerivedShards(filters []model.ColumnFilter) ([]int, bool) {
	keyCols := l.opts.ShardKeyColumns
	if len(keyCols) == 0 {
		return nil, false
	}
	valueSets := make([][]string, len(keyCols))
	combos := 1
	for i, col := range keyCols {
		values := pinnedValues(filters, col)
		if len(values) == 0 {
			return nil, false
		}
		combos *= len(values)
		if combos > maxKeyCombinations {
			return nil, false
		}
		valueSets[i] = values
	}

	set := make(map[int]struct{})
	tuple := make([]string, len(keyCols))
	l.expandCandidates(valueSets, tuple, 0, set)
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, true
}

func (l *lowering) expandCandidates(valueSets [][]string, tuple []string, depth int, out map[int]struct{}) {
	if depth == len(valueSets) {
		spread := l.spreadFor(tuple)
		for _, id := range l.snap.ShardsForKeyHash(shard.KeyHash(tuple), spread) {
			out[id] = struct{}{}
		}
		return
	}
	for _, v := range valueSets[depth] {
		tuple[depth] = v
		l.expandCandidates(valueSets, tuple, depth+1, out)
	}
}

// spreadFor resolves the spread bits for one candidate shard key: the
// query override first, then the per-key-prefix entry, then the dataset
// default.
func (l *lowering) spreadFor(tuple []string) int {
	if l.qctx.SpreadOverride != nil {
		return *l.qctx.SpreadOverride
	}
	if len(tuple) > 0 {
		if s, ok := l.opts.SpreadByKeyPrefix[tuple[0]]; ok {
			return s
		}
	}
	return l.opts.DefaultSpread
}

// pinnedValues collects the values a column is pinned to. Multiple
// equality filters on the same column intersect; an empty result means
// the column is not usable for routing.
func pinnedValues(filters []model.ColumnFilter, column string) []string {
	var values []string
	for _, f := range filters {
		if f.Column != column {
			continue
		}
		switch f.Op {
		case model.FilterEquals, model.FilterIn:
			if values == nil {
				values = append([]string(nil), f.Values...)
			} else {
				values = intersectStrings(values, f.Values)
			}
		}
	}
	return values
}

func normalizeShardIDs(ids []int, numShards int) ([]int, error) {
	out := make([]int, 0, len(ids))
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if id < 0 || id >= numShards {
			return nil, fmt.Errorf("%w: shard override %d out of range [0,%d)", model.ErrBadArgument, id, numShards)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// intersectSorted intersects two ascending duplicate-free slices.
func intersectSorted(a, b []int) []int {
	out := make([]int, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, v := range b {
		keep[v] = struct{}{}
	}
	out := a[:0]
	for _, v := range a {
		if _, ok := keep[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
