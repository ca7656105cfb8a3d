package exec

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/meridiandb/meridian/model"
)

// MergeSeries combines the per-shard outputs of its children into one
// deduplicated series set, merging vectors by series key and then by
// timestamp. It is the cross-shard barrier of every plan: children run
// concurrently, possibly on other cluster nodes.
//
// Shard spread replicates series, so the same (series, timestamp) sample
// may arrive from several children. Identical duplicates collapse
// silently; a timestamp carrying two different values for one series is
// a data-quality fault and fails the merge.
type MergeSeries struct {
	Inputs []Node
}

func (n *MergeSeries) Kind() Kind            { return KindMergeSeries }
func (n *MergeSeries) Children() []Node      { return n.Inputs }
func (n *MergeSeries) Target() model.NodeRef { return model.NodeRef{} }

func (n *MergeSeries) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	frames, err := rt.runChildren(ctx, s, n.Inputs, policyFor(s))
	if err != nil {
		return Frame{}, err
	}
	return mergeFrames(frames)
}

func (n *MergeSeries) String() string {
	parts := make([]string, len(n.Inputs))
	for i, c := range n.Inputs {
		parts[i] = c.String()
	}
	return "MergeSeries(" + strings.Join(parts, ", ") + ")"
}

// mergeFrames merges child frames by series key. Child order must not
// matter: the output depends only on the multiset of input samples.
func mergeFrames(frames []Frame) (Frame, error) {
	type group struct {
		key   model.SeriesKey
		parts []model.RangeVector
	}
	var schema model.ResultSchema
	byKey := make(map[string]*group)
	var groups []*group
	for _, f := range frames {
		if f.Scalar != nil {
			return Frame{}, fmt.Errorf("%w: scalar frame in series merge", model.ErrBadQuery)
		}
		if !f.Schema.IsEmpty() {
			if schema.IsEmpty() {
				schema = f.Schema
			} else if !schema.Equal(f.Schema) {
				return Frame{}, fmt.Errorf("%w: mismatched schemas in series merge", model.ErrBadQuery)
			}
		}
		for _, v := range f.Vectors {
			k := v.Key.String()
			g, ok := byKey[k]
			if !ok {
				g = &group{key: v.Key}
				byKey[k] = g
				groups = append(groups, g)
			}
			g.parts = append(g.parts, v)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key.Compare(groups[j].key) < 0
	})
	out := Frame{Schema: schema}
	for _, g := range groups {
		merged, err := mergeVectors(g.key, g.parts)
		if err != nil {
			return Frame{}, err
		}
		out.Vectors = append(out.Vectors, merged)
	}
	return out, nil
}

// mergeVectors merges the replica copies of one series into a single
// strictly increasing vector.
func mergeVectors(key model.SeriesKey, parts []model.RangeVector) (model.RangeVector, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	type sample struct {
		ts int64
		v  float64
	}
	total := 0
	for _, p := range parts {
		total += p.Len()
	}
	all := make([]sample, 0, total)
	for _, p := range parts {
		for i := range p.Timestamps {
			all = append(all, sample{p.Timestamps[i], p.Values[i]})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })
	out := model.RangeVector{
		Key:        key,
		Timestamps: make([]int64, 0, total),
		Values:     make([]float64, 0, total),
	}
	for _, smp := range all {
		if n := len(out.Timestamps); n > 0 && out.Timestamps[n-1] == smp.ts {
			// Bit comparison so identical NaN payloads still dedupe.
			if math.Float64bits(out.Values[n-1]) != math.Float64bits(smp.v) {
				return model.RangeVector{}, fmt.Errorf("%w: series %s at %d: %v vs %v",
					model.ErrConflictingSample, key, smp.ts, out.Values[n-1], smp.v)
			}
			continue
		}
		out.Timestamps = append(out.Timestamps, smp.ts)
		out.Values = append(out.Values, smp.v)
	}
	return out, nil
}
