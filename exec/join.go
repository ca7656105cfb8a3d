package exec

import (
	"context"
	"fmt"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
)

// ScalarFixed produces a constant. It is only meaningful as a side of a
// binary join, which broadcasts it across the other side's instants; a
// plan whose final output is a scalar is rejected at the runtime
// boundary.
type ScalarFixed struct {
	Value float64
}

func (n *ScalarFixed) Kind() Kind            { return KindScalarFixed }
func (n *ScalarFixed) Children() []Node      { return nil }
func (n *ScalarFixed) Target() model.NodeRef { return model.NodeRef{} }

func (n *ScalarFixed) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	v := n.Value
	return Frame{Schema: model.ValueSchema("value"), Scalar: &v}, nil
}

func (n *ScalarFixed) String() string {
	return fmt.Sprintf("ScalarFixed(%g)", n.Value)
}

// BinaryJoin combines two operand frames sample-wise. Series operands
// join on series key and timestamp, keeping only pairs present on both
// sides. A scalar operand broadcasts across the other side, preserving
// operand order for the non-commutative operators.
type BinaryJoin struct {
	LHS Node
	Op  plan.BinaryOp
	RHS Node
}

func (n *BinaryJoin) Kind() Kind            { return KindBinaryJoin }
func (n *BinaryJoin) Children() []Node      { return []Node{n.LHS, n.RHS} }
func (n *BinaryJoin) Target() model.NodeRef { return model.NodeRef{} }

func (n *BinaryJoin) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	if !n.Op.Valid() {
		return Frame{}, fmt.Errorf("%w: binary operator %d", model.ErrBadQuery, uint8(n.Op))
	}
	// Losing either operand makes the join undefined, so child failure
	// is fatal here regardless of the partial policy.
	frames, err := rt.runChildren(ctx, s, []Node{n.LHS, n.RHS}, FailFast)
	if err != nil {
		return Frame{}, err
	}
	lhs, rhs := frames[0], frames[1]
	switch {
	case lhs.Scalar != nil && rhs.Scalar != nil:
		v := n.Op.Apply(*lhs.Scalar, *rhs.Scalar)
		return Frame{Schema: lhs.Schema, Scalar: &v}, nil
	case lhs.Scalar != nil:
		return broadcastScalar(*lhs.Scalar, rhs, n.Op, true), nil
	case rhs.Scalar != nil:
		return broadcastScalar(*rhs.Scalar, lhs, n.Op, false), nil
	}
	return joinSeries(lhs, rhs, n.Op), nil
}

func (n *BinaryJoin) String() string {
	return fmt.Sprintf("BinaryJoin(%s, %s, %s)", n.LHS, n.Op, n.RHS)
}

// broadcastScalar applies op between a scalar and every sample of f.
// scalarLeft keeps the operand order straight for sub and div.
func broadcastScalar(scalar float64, f Frame, op plan.BinaryOp, scalarLeft bool) Frame {
	out := Frame{Schema: f.Schema, Vectors: make([]model.RangeVector, len(f.Vectors))}
	for i, v := range f.Vectors {
		vals := make([]float64, len(v.Values))
		for j, x := range v.Values {
			if scalarLeft {
				vals[j] = op.Apply(scalar, x)
			} else {
				vals[j] = op.Apply(x, scalar)
			}
		}
		out.Vectors[i] = model.RangeVector{Key: v.Key, Timestamps: v.Timestamps, Values: vals}
	}
	return out
}

// joinSeries inner-joins two series sets on key, then on timestamp.
// Series and samples present on only one side are dropped.
func joinSeries(lhs, rhs Frame, op plan.BinaryOp) Frame {
	right := make(map[string]model.RangeVector, len(rhs.Vectors))
	for _, v := range rhs.Vectors {
		right[v.Key.String()] = v
	}
	out := Frame{Schema: lhs.Schema}
	for _, lv := range lhs.Vectors {
		rv, ok := right[lv.Key.String()]
		if !ok {
			continue
		}
		joined := joinVectors(lv, rv, op)
		if joined.Len() > 0 {
			out.Vectors = append(out.Vectors, joined)
		}
	}
	return out
}

func joinVectors(lv, rv model.RangeVector, op plan.BinaryOp) model.RangeVector {
	out := model.RangeVector{Key: lv.Key}
	i, j := 0, 0
	for i < lv.Len() && j < rv.Len() {
		switch {
		case lv.Timestamps[i] < rv.Timestamps[j]:
			i++
		case lv.Timestamps[i] > rv.Timestamps[j]:
			j++
		default:
			out.Timestamps = append(out.Timestamps, lv.Timestamps[i])
			out.Values = append(out.Values, op.Apply(lv.Values[i], rv.Values[j]))
			i++
			j++
		}
	}
	return out
}
