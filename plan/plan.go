package plan

import (
	"fmt"
	"strings"

	"github.com/meridiandb/meridian/model"
)

// Kind discriminates the logical plan node variants.
type Kind uint8

const (
	KindRawSeries Kind = iota + 1
	KindPeriodicSeries
	KindAggregate
	KindBinaryJoin
	KindScalarFixed
	KindApplyFunction
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindRawSeries:
		return "RawSeries"
	case KindPeriodicSeries:
		return "PeriodicSeries"
	case KindAggregate:
		return "Aggregate"
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

// LogicalPlan is one node of the immutable logical plan tree. Nodes are
// plain values: build them, share them, never mutate them after handing
// them to a planner.
type LogicalPlan interface {
	Kind() Kind
	Children() []LogicalPlan
	fmt.Stringer
}

// RawSeries selects raw samples. Selector, when non-empty, is an exact
// match on the dataset's primary shard-key column; Filters restrict label
// columns; Columns names the value columns to read (exactly one per query
// today). LookbackMillis widens the fetch window backwards from each
// evaluation instant, zero meaning unbounded within the fetched range;
// OffsetMillis shifts the whole window into the past.
type RawSeries struct {
	Selector       string
	Filters        []model.ColumnFilter
	Columns        []string
	LookbackMillis int64
	OffsetMillis   int64
}

// Kind implements LogicalPlan.
func (n *RawSeries) Kind() Kind { return KindRawSeries }

// Children implements LogicalPlan.
func (n *RawSeries) Children() []LogicalPlan { return nil }

// String implements fmt.Stringer.
func (n *RawSeries) String() string {
	var parts []string
	if n.Selector != "" {
		parts = append(parts, fmt.Sprintf("selector=%q", n.Selector))
	}
	if len(n.Filters) > 0 {
		fs := make([]string, len(n.Filters))
		for i, f := range n.Filters {
			fs[i] = f.String()
		}
		parts = append(parts, "filters=["+strings.Join(fs, ",")+"]")
	}
	if len(n.Columns) > 0 {
		parts = append(parts, "columns=["+strings.Join(n.Columns, ",")+"]")
	}
	if n.LookbackMillis > 0 {
		parts = append(parts, fmt.Sprintf("lookback=%dms", n.LookbackMillis))
	}
	if n.OffsetMillis > 0 {
		parts = append(parts, fmt.Sprintf("offset=%dms", n.OffsetMillis))
	}
	return "RawSeries(" + strings.Join(parts, ", ") + ")"
}

// PeriodicSeries resamples its child onto the instants
// {StartMillis, StartMillis+StepMillis, ..., EndMillis}, taking per series
// the last sample at or before each instant (and no older than the child's
// lookback, when one is set).
type PeriodicSeries struct {
	Child       LogicalPlan
	StartMillis int64
	StepMillis  int64
	EndMillis   int64
}

// Kind implements LogicalPlan.
func (n *PeriodicSeries) Kind() Kind { return KindPeriodicSeries }

// Children implements LogicalPlan.
func (n *PeriodicSeries) Children() []LogicalPlan { return []LogicalPlan{n.Child} }

// String implements fmt.Stringer.
func (n *PeriodicSeries) String() string {
	return fmt.Sprintf("PeriodicSeries(start=%d, step=%d, end=%d, %s)",
		n.StartMillis, n.StepMillis, n.EndMillis, n.Child)
}

// Aggregate combines all series of its child into one series per instant.
type Aggregate struct {
	Op    AggregateOp
	Child LogicalPlan
}

// Kind implements LogicalPlan.
func (n *Aggregate) Kind() Kind { return KindAggregate }

// Children implements LogicalPlan.
func (n *Aggregate) Children() []LogicalPlan { return []LogicalPlan{n.Child} }

// String implements fmt.Stringer.
func (n *Aggregate) String() string {
	return fmt.Sprintf("Aggregate(%s, %s)", n.Op, n.Child)
}

// BinaryJoin combines two plans sample-by-sample on matching series keys
// and timestamps. A ScalarFixed side broadcasts over the other side.
type BinaryJoin struct {
	LHS LogicalPlan
	Op  BinaryOp
	RHS LogicalPlan
}

// Kind implements LogicalPlan.
func (n *BinaryJoin) Kind() Kind { return KindBinaryJoin }

// Children implements LogicalPlan.
func (n *BinaryJoin) Children() []LogicalPlan { return []LogicalPlan{n.LHS, n.RHS} }

// String implements fmt.Stringer.
func (n *BinaryJoin) String() string {
	return fmt.Sprintf("BinaryJoin(%s, %s, %s)", n.Op, n.LHS, n.RHS)
}

// ScalarFixed is a constant.
type ScalarFixed struct {
	Value float64
}

// Kind implements LogicalPlan.
func (n *ScalarFixed) Kind() Kind { return KindScalarFixed }

// Children implements LogicalPlan.
func (n *ScalarFixed) Children() []LogicalPlan { return nil }

// String implements fmt.Stringer.
func (n *ScalarFixed) String() string {
	return fmt.Sprintf("ScalarFixed(%g)", n.Value)
}

// ApplyFunction maps a pointwise function over every sample of its child.
type ApplyFunction struct {
	Child LogicalPlan
	Fn    Fn
	Args  []float64
}

// Kind implements LogicalPlan.
func (n *ApplyFunction) Kind() Kind { return KindApplyFunction }

// Children implements LogicalPlan.
func (n *ApplyFunction) Children() []LogicalPlan { return []LogicalPlan{n.Child} }

// String implements fmt.Stringer.
func (n *ApplyFunction) String() string {
	if len(n.Args) == 0 {
		return fmt.Sprintf("ApplyFunction(%s, %s)", n.Fn, n.Child)
	}
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = fmt.Sprintf("%g", a)
	}
	return fmt.Sprintf("ApplyFunction(%s[%s], %s)", n.Fn, strings.Join(args, ","), n.Child)
}

// Walk visits the tree pre-order. Returning false from visit skips the
// node's subtree.
func Walk(p LogicalPlan, visit func(LogicalPlan) bool) {
	if p == nil || !visit(p) {
		return
	}
	for _, c := range p.Children() {
		Walk(c, visit)
	}
}
