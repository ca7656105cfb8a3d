package cluster

import (
	"sort"

	"github.com/meridiandb/meridian/model"
)

// PlacementStrategy decides which node each pending shard goes to.
//
// Place receives the shard IDs awaiting placement, the registered nodes,
// and the current number of assigned shards per node across all datasets.
// It returns an assignment for every shard it could place; shards absent
// from the result stay unassigned. Implementations must be pure: the
// Manager applies the result, strategies never mutate cluster state.
type PlacementStrategy interface {
	Place(shards []int, nodes []model.NodeRef, load map[model.NodeRef]int) map[int]model.NodeRef
}

// LeastLoaded assigns each shard to the node currently owning the fewest
// shards, breaking ties by node ID so placement is deterministic.
type LeastLoaded struct{}

// Place implements PlacementStrategy.
func (LeastLoaded) Place(shards []int, nodes []model.NodeRef, load map[model.NodeRef]int) map[int]model.NodeRef {
	if len(shards) == 0 || len(nodes) == 0 {
		return nil
	}

	ranked := make([]model.NodeRef, len(nodes))
	copy(ranked, nodes)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].ID < ranked[j].ID })

	counts := make(map[model.NodeRef]int, len(ranked))
	for _, n := range ranked {
		counts[n] = load[n]
	}

	placed := make(map[int]model.NodeRef, len(shards))
	for _, id := range shards {
		best := ranked[0]
		for _, n := range ranked[1:] {
			if counts[n] < counts[best] {
				best = n
			}
		}
		placed[id] = best
		counts[best]++
	}
	return placed
}

// Pinned places every shard on one fixed node. Useful in tests and in
// single-node deployments where the coordinator owns all shards.
type Pinned struct {
	Node model.NodeRef
}

// Place implements PlacementStrategy.
func (p Pinned) Place(shards []int, nodes []model.NodeRef, _ map[model.NodeRef]int) map[int]model.NodeRef {
	registered := false
	for _, n := range nodes {
		if n == p.Node {
			registered = true
			break
		}
	}
	if !registered {
		return nil
	}
	placed := make(map[int]model.NodeRef, len(shards))
	for _, id := range shards {
		placed[id] = p.Node
	}
	return placed
}
