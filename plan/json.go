package plan

import (
	"encoding/json"
	"fmt"

	"github.com/meridiandb/meridian/model"
)

// envelope is the kind-tagged wire form of one plan node.
type envelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

type wireRawSeries struct {
	Selector string               `json:"selector,omitempty"`
	Filters  []model.ColumnFilter `json:"filters,omitempty"`
	Columns  []string             `json:"columns,omitempty"`
	Lookback int64                `json:"lookbackMillis,omitempty"`
	Offset   int64                `json:"offsetMillis,omitempty"`
}

type wirePeriodicSeries struct {
	Child *envelope `json:"child"`
	Start int64     `json:"startMillis"`
	Step  int64     `json:"stepMillis"`
	End   int64     `json:"endMillis"`
}

type wireAggregate struct {
	Op    AggregateOp `json:"op"`
	Child *envelope   `json:"child"`
}

type wireBinaryJoin struct {
	LHS *envelope `json:"lhs"`
	Op  BinaryOp  `json:"op"`
	RHS *envelope `json:"rhs"`
}

type wireScalarFixed struct {
	Value float64 `json:"value"`
}

type wireApplyFunction struct {
	Child *envelope `json:"child"`
	Fn    Fn        `json:"fn"`
	Args  []float64 `json:"args,omitempty"`
}

// MarshalPlan encodes a logical plan as a kind-tagged JSON document, the
// form accepted by execution-plan submission and produced by explain.
func MarshalPlan(p LogicalPlan) ([]byte, error) {
	env, err := encode(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalPlan decodes a kind-tagged JSON document. Unknown node kinds and
// unknown operator tokens are rejected.
func UnmarshalPlan(data []byte) (LogicalPlan, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return decode(&env)
}

func encode(p LogicalPlan) (*envelope, error) {
	if p == nil {
		return nil, fmt.Errorf("encode plan: nil node")
	}

	var spec any
	switch n := p.(type) {
	case *RawSeries:
		spec = wireRawSeries{
			Selector: n.Selector,
			Filters:  n.Filters,
			Columns:  n.Columns,
			Lookback: n.LookbackMillis,
			Offset:   n.OffsetMillis,
		}
	case *PeriodicSeries:
		child, err := encode(n.Child)
		if err != nil {
			return nil, err
		}
		spec = wirePeriodicSeries{Child: child, Start: n.StartMillis, Step: n.StepMillis, End: n.EndMillis}
	case *Aggregate:
		child, err := encode(n.Child)
		if err != nil {
			return nil, err
		}
		spec = wireAggregate{Op: n.Op, Child: child}
	case *BinaryJoin:
		lhs, err := encode(n.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := encode(n.RHS)
		if err != nil {
			return nil, err
		}
		spec = wireBinaryJoin{LHS: lhs, Op: n.Op, RHS: rhs}
	case *ScalarFixed:
		spec = wireScalarFixed{Value: n.Value}
	case *ApplyFunction:
		child, err := encode(n.Child)
		if err != nil {
			return nil, err
		}
		spec = wireApplyFunction{Child: child, Fn: n.Fn, Args: n.Args}
	default:
		return nil, fmt.Errorf("encode plan: unsupported node type %T", p)
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return &envelope{Kind: p.Kind().String(), Spec: raw}, nil
}

func decode(env *envelope) (LogicalPlan, error) {
	if env == nil {
		return nil, fmt.Errorf("decode plan: missing node")
	}

	switch env.Kind {
	case KindRawSeries.String():
		var w wireRawSeries
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return &RawSeries{
			Selector:       w.Selector,
			Filters:        w.Filters,
			Columns:        w.Columns,
			LookbackMillis: w.Lookback,
			OffsetMillis:   w.Offset,
		}, nil
	case KindPeriodicSeries.String():
		var w wirePeriodicSeries
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		child, err := decode(w.Child)
		if err != nil {
			return nil, err
		}
		return &PeriodicSeries{Child: child, StartMillis: w.Start, StepMillis: w.Step, EndMillis: w.End}, nil
	case KindAggregate.String():
		var w wireAggregate
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		child, err := decode(w.Child)
		if err != nil {
			return nil, err
		}
		return &Aggregate{Op: w.Op, Child: child}, nil
	case KindBinaryJoin.String():
		var w wireBinaryJoin
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		lhs, err := decode(w.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := decode(w.RHS)
		if err != nil {
			return nil, err
		}
		return &BinaryJoin{LHS: lhs, Op: w.Op, RHS: rhs}, nil
	case KindScalarFixed.String():
		var w wireScalarFixed
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return &ScalarFixed{Value: w.Value}, nil
	case KindApplyFunction.String():
		var w wireApplyFunction
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		child, err := decode(w.Child)
		if err != nil {
			return nil, err
		}
		return &ApplyFunction{Child: child, Fn: w.Fn, Args: w.Args}, nil
	default:
		return nil, fmt.Errorf("decode plan: unknown node kind %q", env.Kind)
	}
}
