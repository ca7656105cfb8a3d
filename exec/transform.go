package exec

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
)

// PeriodicSample resamples each input series onto the fixed instants
// start, start+step, ..., end. The value at an instant is the newest
// sample at or before it; with a lookback window only samples at most
// that old qualify. Instants with no qualifying sample are gaps and
// produce nothing; series left without samples are dropped.
type PeriodicSample struct {
	Input          Node
	StartMillis    int64
	StepMillis     int64
	EndMillis      int64
	LookbackMillis int64
}

func (n *PeriodicSample) Kind() Kind            { return KindPeriodicSample }
func (n *PeriodicSample) Children() []Node      { return []Node{n.Input} }
func (n *PeriodicSample) Target() model.NodeRef { return model.NodeRef{} }

func (n *PeriodicSample) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	if n.StepMillis <= 0 {
		return Frame{}, fmt.Errorf("%w: periodic step %d", model.ErrBadQuery, n.StepMillis)
	}
	if n.EndMillis < n.StartMillis {
		return Frame{}, fmt.Errorf("%w: periodic range [%d, %d]", model.ErrBadQuery, n.StartMillis, n.EndMillis)
	}
	in, err := rt.runNode(ctx, n.Input, s)
	if err != nil {
		return Frame{}, err
	}
	if in.Scalar != nil {
		return Frame{}, fmt.Errorf("%w: cannot sample a scalar", model.ErrBadQuery)
	}
	out := Frame{Schema: in.Schema}
	for _, v := range in.Vectors {
		rv := n.resample(v)
		if rv.Len() > 0 {
			out.Vectors = append(out.Vectors, rv)
		}
	}
	return out, nil
}

// resample walks the instants and the samples in lockstep; both are
// sorted ascending, so one pass covers all instants.
func (n *PeriodicSample) resample(v model.RangeVector) model.RangeVector {
	out := model.RangeVector{Key: v.Key}
	idx := 0
	for t := n.StartMillis; t <= n.EndMillis; t += n.StepMillis {
		for idx < v.Len() && v.Timestamps[idx] <= t {
			idx++
		}
		if idx == 0 {
			continue
		}
		if n.LookbackMillis > 0 && t-v.Timestamps[idx-1] > n.LookbackMillis {
			continue
		}
		out.Timestamps = append(out.Timestamps, t)
		out.Values = append(out.Values, v.Values[idx-1])
	}
	return out
}

func (n *PeriodicSample) String() string {
	return fmt.Sprintf("PeriodicSample(start=%d step=%d end=%d, %s)",
		n.StartMillis, n.StepMillis, n.EndMillis, n.Input)
}

// AggregateSeries folds all input series into a single keyless series,
// combining the values present at each timestamp. Count counts the
// series present at the instant; Avg is their exact mean.
type AggregateSeries struct {
	Op    plan.AggregateOp
	Input Node
}

func (n *AggregateSeries) Kind() Kind            { return KindAggregateSeries }
func (n *AggregateSeries) Children() []Node      { return []Node{n.Input} }
func (n *AggregateSeries) Target() model.NodeRef { return model.NodeRef{} }

func (n *AggregateSeries) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	if !n.Op.Valid() {
		return Frame{}, fmt.Errorf("%w: aggregate operator %d", model.ErrBadQuery, uint8(n.Op))
	}
	in, err := rt.runNode(ctx, n.Input, s)
	if err != nil {
		return Frame{}, err
	}
	if in.Scalar != nil {
		return Frame{}, fmt.Errorf("%w: cannot aggregate a scalar", model.ErrBadQuery)
	}
	if len(in.Vectors) == 0 {
		return Frame{Schema: in.Schema}, nil
	}

	type bucket struct {
		sum      float64
		count    int64
		min, max float64
	}
	acc := make(map[int64]*bucket)
	for _, v := range in.Vectors {
		for i := range v.Timestamps {
			ts, val := v.Timestamps[i], v.Values[i]
			b, ok := acc[ts]
			if !ok {
				b = &bucket{min: val, max: val}
				acc[ts] = b
			} else {
				b.min = math.Min(b.min, val)
				b.max = math.Max(b.max, val)
			}
			b.sum += val
			b.count++
		}
	}
	stamps := make([]int64, 0, len(acc))
	for ts := range acc {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	out := model.RangeVector{
		Timestamps: stamps,
		Values:     make([]float64, len(stamps)),
	}
	for i, ts := range stamps {
		b := acc[ts]
		switch n.Op {
		case plan.AggSum:
			out.Values[i] = b.sum
		case plan.AggMin:
			out.Values[i] = b.min
		case plan.AggMax:
			out.Values[i] = b.max
		case plan.AggCount:
			out.Values[i] = float64(b.count)
		case plan.AggAvg:
			out.Values[i] = b.sum / float64(b.count)
		}
	}
	return Frame{Schema: in.Schema, Vectors: []model.RangeVector{out}}, nil
}

func (n *AggregateSeries) String() string {
	return fmt.Sprintf("AggregateSeries(%s, %s)", n.Op, n.Input)
}

// ApplyFunction maps a pointwise function over every sample of every
// input series, or over a scalar operand.
type ApplyFunction struct {
	Input Node
	Fn    plan.Fn
	Args  []float64
}

func (n *ApplyFunction) Kind() Kind            { return KindApplyFunction }
func (n *ApplyFunction) Children() []Node      { return []Node{n.Input} }
func (n *ApplyFunction) Target() model.NodeRef { return model.NodeRef{} }

func (n *ApplyFunction) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	if !n.Fn.Valid() {
		return Frame{}, fmt.Errorf("%w: function %d", model.ErrBadQuery, uint8(n.Fn))
	}
	if len(n.Args) != n.Fn.Arity() {
		return Frame{}, fmt.Errorf("%w: %s takes %d, got %d",
			model.ErrWrongNumberOfArgs, n.Fn, n.Fn.Arity(), len(n.Args))
	}
	in, err := rt.runNode(ctx, n.Input, s)
	if err != nil {
		return Frame{}, err
	}
	if in.Scalar != nil {
		v := n.Fn.Apply(*in.Scalar, n.Args)
		return Frame{Schema: in.Schema, Scalar: &v}, nil
	}
	out := Frame{Schema: in.Schema, Vectors: make([]model.RangeVector, len(in.Vectors))}
	for i, v := range in.Vectors {
		vals := make([]float64, len(v.Values))
		for j, x := range v.Values {
			vals[j] = n.Fn.Apply(x, n.Args)
		}
		out.Vectors[i] = model.RangeVector{Key: v.Key, Timestamps: v.Timestamps, Values: vals}
	}
	return out, nil
}

func (n *ApplyFunction) String() string {
	if len(n.Args) > 0 {
		return fmt.Sprintf("ApplyFunction(%s%v, %s)", n.Fn, n.Args, n.Input)
	}
	return fmt.Sprintf("ApplyFunction(%s, %s)", n.Fn, n.Input)
}
