package planner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/shard"
)

// SnapshotSource yields the current shard-table snapshot. *shard.Table
// implements it.
type SnapshotSource interface {
	Snapshot() *shard.Snapshot
}

// Planner materializes logical plans for one dataset.
type Planner struct {
	dataset model.DatasetRef
	opts    model.DatasetOptions
	source  SnapshotSource
}

// New returns a planner bound to the dataset's layout and shard table.
func New(dataset model.DatasetRef, opts model.DatasetOptions, source SnapshotSource) (*Planner, error) {
	if source == nil {
		return nil, errors.New("planner: nil snapshot source")
	}
	return &Planner{dataset: dataset, opts: opts, source: source}, nil
}

// Dataset returns the dataset the planner plans for.
func (p *Planner) Dataset() model.DatasetRef { return p.dataset }

// Materialize lowers lp into an execution plan against a single shard
// table snapshot read at entry. The logical plan is not modified. Plans
// whose filters implicate no shard lower to zero leaves and execute to an
// empty result rather than an error.
func (p *Planner) Materialize(lp plan.LogicalPlan, qctx model.QueryContext) (*exec.Plan, error) {
	if lp == nil {
		return nil, fmt.Errorf("%w: empty logical plan", model.ErrBadQuery)
	}
	low := &lowering{
		opts:    p.opts,
		snap:    p.source.Snapshot(),
		qctx:    qctx,
		skipped: make(map[int]shard.Status),
	}

	// Without an explicit evaluation window the plan is evaluated at its
	// submit instant; a PeriodicSeries node replaces the window for its
	// subtree.
	root, err := low.lower(lp, model.TimeRange{Start: qctx.SubmitTime, End: qctx.SubmitTime})
	if err != nil {
		return nil, err
	}
	if yieldsScalar(root) {
		return nil, fmt.Errorf("%w: plan yields a scalar, not a series", model.ErrBadQuery)
	}

	return &exec.Plan{
		Dataset: p.dataset,
		Context: qctx,
		Root:    root,
		Skipped: low.skippedShards(),
		Leaves:  exec.CountLeaves(root),
	}, nil
}

// lowering carries the per-call state: the pinned snapshot and the shards
// skipped because the query tolerates partial results.
type lowering struct {
	opts    model.DatasetOptions
	snap    *shard.Snapshot
	qctx    model.QueryContext
	skipped map[int]shard.Status
}

func (l *lowering) lower(lp plan.LogicalPlan, eval model.TimeRange) (exec.Node, error) {
	if lp == nil {
		return nil, fmt.Errorf("%w: missing operand", model.ErrBadQuery)
	}
	switch n := lp.(type) {
	case *plan.RawSeries:
		return l.lowerRaw(n, eval)

	case *plan.PeriodicSeries:
		if n.StepMillis <= 0 {
			return nil, fmt.Errorf("%w: sample step must be positive, got %d", model.ErrBadQuery, n.StepMillis)
		}
		if n.EndMillis < n.StartMillis {
			return nil, fmt.Errorf("%w: sample range end %d before start %d", model.ErrBadQuery, n.EndMillis, n.StartMillis)
		}
		child, err := l.lower(n.Child, model.TimeRange{Start: n.StartMillis, End: n.EndMillis})
		if err != nil {
			return nil, err
		}
		return &exec.PeriodicSample{
			Input:          child,
			StartMillis:    n.StartMillis,
			StepMillis:     n.StepMillis,
			EndMillis:      n.EndMillis,
			LookbackMillis: maxLookback(n.Child),
		}, nil

	case *plan.Aggregate:
		if !n.Op.Valid() {
			return nil, fmt.Errorf("%w: unknown aggregate operator %d", model.ErrBadQuery, uint8(n.Op))
		}
		child, err := l.lower(n.Child, eval)
		if err != nil {
			return nil, err
		}
		return &exec.AggregateSeries{Op: n.Op, Input: child}, nil

	case *plan.BinaryJoin:
		if !n.Op.Valid() {
			return nil, fmt.Errorf("%w: unknown binary operator %d", model.ErrBadQuery, uint8(n.Op))
		}
		lhs, err := l.lower(n.LHS, eval)
		if err != nil {
			return nil, err
		}
		rhs, err := l.lower(n.RHS, eval)
		if err != nil {
			return nil, err
		}
		return &exec.BinaryJoin{LHS: lhs, Op: n.Op, RHS: rhs}, nil

	case *plan.ScalarFixed:
		return &exec.ScalarFixed{Value: n.Value}, nil

	case *plan.ApplyFunction:
		if !n.Fn.Valid() {
			return nil, fmt.Errorf("%w: unknown function %d", model.ErrBadQuery, uint8(n.Fn))
		}
		if got, want := len(n.Args), n.Fn.Arity(); got != want {
			return nil, fmt.Errorf("%w: %s wants %d args, got %d", model.ErrWrongNumberOfArgs, n.Fn, want, got)
		}
		child, err := l.lower(n.Child, eval)
		if err != nil {
			return nil, err
		}
		return &exec.ApplyFunction{Input: child, Fn: n.Fn, Args: n.Args}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported plan node %s", model.ErrBadQuery, lp.Kind())
	}
}

// lowerRaw expands a raw series read into one scan per implicated shard,
// merged locally. Unavailable shards fail the plan unless the query
// tolerates partial results, in which case they are skipped and recorded.
func (l *lowering) lowerRaw(n *plan.RawSeries, eval model.TimeRange) (exec.Node, error) {
	column, err := l.valueColumn(n)
	if err != nil {
		return nil, err
	}
	filters, err := l.effectiveFilters(n)
	if err != nil {
		return nil, err
	}
	ids, err := l.implicatedShards(filters)
	if err != nil {
		return nil, err
	}
	fetch := fetchRange(n, eval)

	inputs := make([]exec.Node, 0, len(ids))
	for _, id := range ids {
		st := l.snap.StatusForShard(id)
		if !st.Queryable() {
			if l.qctx.AllowPartial {
				l.skipped[id] = st
				continue
			}
			return nil, fmt.Errorf("%w: shard %d is %s", model.ErrShardUnavailable, id, st)
		}
		owner, _ := l.snap.CoordForShard(id)
		inputs = append(inputs, &exec.ShardScan{
			Shard:        id,
			Owner:        owner,
			Filters:      filters,
			Column:       column,
			Range:        fetch,
			OffsetMillis: n.OffsetMillis,
		})
	}
	return &exec.MergeSeries{Inputs: inputs}, nil
}

func (l *lowering) valueColumn(n *plan.RawSeries) (string, error) {
	if len(n.Columns) != 1 {
		return "", fmt.Errorf("%w: raw series read wants exactly one value column, got %d", model.ErrBadQuery, len(n.Columns))
	}
	c := n.Columns[0]
	if len(l.opts.DataColumns) > 0 && !l.opts.HasDataColumn(c) {
		return "", fmt.Errorf("%w: unknown value column %q", model.ErrBadQuery, c)
	}
	return c, nil
}

// effectiveFilters validates the node's filters and prepends the selector
// as an equality filter on the primary shard-key column.
func (l *lowering) effectiveFilters(n *plan.RawSeries) ([]model.ColumnFilter, error) {
	filters := make([]model.ColumnFilter, 0, len(n.Filters)+1)
	if n.Selector != "" {
		if len(l.opts.ShardKeyColumns) == 0 {
			return nil, fmt.Errorf("%w: selector on a dataset without shard-key columns", model.ErrBadQuery)
		}
		filters = append(filters, model.ColumnFilter{
			Column: l.opts.ShardKeyColumns[0],
			Op:     model.FilterEquals,
			Values: []string{n.Selector},
		})
	}
	for _, f := range n.Filters {
		if err := l.validateFilter(f); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func (l *lowering) validateFilter(f model.ColumnFilter) error {
	if f.Column == "" {
		return fmt.Errorf("%w: filter without a column", model.ErrBadQuery)
	}
	if len(l.opts.LabelColumns) > 0 && !l.opts.HasLabelColumn(f.Column) {
		return fmt.Errorf("%w: unknown label column %q", model.ErrBadQuery, f.Column)
	}
	switch f.Op {
	case model.FilterEquals, model.FilterNotEquals:
		if len(f.Values) != 1 {
			return fmt.Errorf("%w: %s filter on %q wants one value, got %d",
				model.ErrBadArgument, f.Op, f.Column, len(f.Values))
		}
	case model.FilterIn:
		if len(f.Values) == 0 {
			return fmt.Errorf("%w: in filter on %q without values", model.ErrBadArgument, f.Column)
		}
	default:
		return fmt.Errorf("%w: unknown filter operator %d", model.ErrBadArgument, uint8(f.Op))
	}
	return nil
}

func (l *lowering) skippedShards() []exec.SkippedShard {
	if len(l.skipped) == 0 {
		return nil
	}
	ids := make([]int, 0, len(l.skipped))
	for id := range l.skipped {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]exec.SkippedShard, len(ids))
	for i, id := range ids {
		out[i] = exec.SkippedShard{Shard: id, Status: l.skipped[id].String()}
	}
	return out
}

// fetchRange maps the evaluation window onto stored time. A positive
// lookback widens the window backwards, zero means all history; offset
// shifts the window into the past, and the scan re-stamps fetched
// timestamps by the same offset.
func fetchRange(n *plan.RawSeries, eval model.TimeRange) model.TimeRange {
	start := int64(0)
	if n.LookbackMillis > 0 {
		start = eval.Start - n.LookbackMillis - n.OffsetMillis
		if start < 0 {
			start = 0
		}
	}
	return model.TimeRange{Start: start, End: eval.End - n.OffsetMillis}
}

// maxLookback returns the widest lookback of any raw series under lp.
// Sampling applies one window per PeriodicSeries node, so joined reads
// with different lookbacks sample under the wider one.
func maxLookback(lp plan.LogicalPlan) int64 {
	var max int64
	plan.Walk(lp, func(n plan.LogicalPlan) bool {
		if rs, ok := n.(*plan.RawSeries); ok && rs.LookbackMillis > max {
			max = rs.LookbackMillis
		}
		return true
	})
	return max
}

// yieldsScalar reports whether the lowered tree produces a scalar frame.
// A scalar is a valid join operand but not a query result.
func yieldsScalar(n exec.Node) bool {
	switch n := n.(type) {
	case *exec.ScalarFixed:
		return true
	case *exec.BinaryJoin:
		return yieldsScalar(n.LHS) && yieldsScalar(n.RHS)
	case *exec.ApplyFunction:
		return yieldsScalar(n.Input)
	default:
		return false
	}
}
