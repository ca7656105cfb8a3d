package exec

import (
	"context"
	"fmt"

	"github.com/meridiandb/meridian/model"
)

// Kind enumerates the execution operator kinds.
type Kind uint8

const (
	KindShardScan Kind = iota + 1
	KindMergeSeries
	KindPeriodicSample
	KindAggregateSeries
	KindBinaryJoin
	KindScalarFixed
	KindApplyFunction
)

// String returns the wire token.
func (k Kind) String() string {
	switch k {
	case KindShardScan:
		return "ShardScan"
	case KindMergeSeries:
		return "MergeSeries"
	case KindPeriodicSample:
		return "PeriodicSample"
	case KindAggregateSeries:
		return "AggregateSeries"
	case KindBinaryJoin:
		return "BinaryJoin"
	case KindScalarFixed:
		return "ScalarFixed"
	case KindApplyFunction:
		return "ApplyFunction"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Frame is the unit of data flowing between nodes: a result schema plus
// the range vectors produced under it. Scalar is set instead of Vectors
// for constant subexpressions; it never reaches clients.
type Frame struct {
	Schema  model.ResultSchema  `json:"schema"`
	Vectors []model.RangeVector `json:"vectors,omitempty"`
	Scalar  *float64            `json:"scalar,omitempty"`
}

// Node is one operator of a materialized execution plan. Nodes are
// immutable after planning; sibling subtrees execute concurrently.
type Node interface {
	Kind() Kind

	// Children returns the input nodes.
	Children() []Node

	// Target names the cluster node this operator must run on. A zero
	// ref means the local process.
	Target() model.NodeRef

	// Execute runs the node to completion and returns its output frame.
	Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error)

	fmt.Stringer
}

// SkippedShard records one implicated shard the planner left out of a
// plan because it was not queryable at materialization time.
type SkippedShard struct {
	Shard  int    `json:"shard"`
	Status string `json:"status"`
}

// Plan is a materialized execution plan bound to one dataset and one
// query context. Materialization resolves all shard placement up front;
// the plan does not consult the shard table again while running.
type Plan struct {
	Dataset model.DatasetRef
	Context model.QueryContext
	Root    Node
	Skipped []SkippedShard
	Leaves  int
}

// String renders a one-line summary for explain output and logs.
func (p *Plan) String() string {
	return fmt.Sprintf("plan(dataset=%s leaves=%d skipped=%d root=%s)",
		p.Dataset, p.Leaves, len(p.Skipped), p.Root)
}

// Walk visits nodes pre-order. Returning false prunes the subtree.
func Walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, visit)
	}
}

// CountLeaves returns the number of shard-scan leaves under n.
func CountLeaves(n Node) int {
	count := 0
	Walk(n, func(m Node) bool {
		if m.Kind() == KindShardScan {
			count++
		}
		return true
	})
	return count
}
