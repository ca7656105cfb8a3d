package plan

import (
	"encoding/json"
	"fmt"
	"math"
)

// AggregateOp enumerates the cross-series aggregation operators.
type AggregateOp uint8

const (
	AggSum AggregateOp = iota + 1
	AggMin
	AggMax
	AggCount
	AggAvg
)

// Valid reports whether the operator is a member of the closed set.
func (op AggregateOp) Valid() bool { return op >= AggSum && op <= AggAvg }

// String returns the wire token.
func (op AggregateOp) String() string {
	switch op {
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggCount:
		return "count"
	case AggAvg:
		return "avg"
	default:
		return fmt.Sprintf("AggregateOp(%d)", uint8(op))
	}
}

// ParseAggregateOp resolves a wire token. Unknown tokens are rejected.
func ParseAggregateOp(s string) (AggregateOp, error) {
	switch s {
	case "sum":
		return AggSum, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "count":
		return AggCount, nil
	case "avg":
		return AggAvg, nil
	default:
		return 0, fmt.Errorf("unknown aggregate operator %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (op AggregateOp) MarshalJSON() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid aggregate operator %d", uint8(op))
	}
	return json.Marshal(op.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *AggregateOp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAggregateOp(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// BinaryOp enumerates the join arithmetic operators.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota + 1
	OpSub
	OpMul
	OpDiv
)

// Valid reports whether the operator is a member of the closed set.
func (op BinaryOp) Valid() bool { return op >= OpAdd && op <= OpDiv }

// String returns the wire token.
func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	default:
		return fmt.Sprintf("BinaryOp(%d)", uint8(op))
	}
}

// ParseBinaryOp resolves a wire token. Unknown tokens are rejected.
func ParseBinaryOp(s string) (BinaryOp, error) {
	switch s {
	case "add":
		return OpAdd, nil
	case "sub":
		return OpSub, nil
	case "mul":
		return OpMul, nil
	case "div":
		return OpDiv, nil
	default:
		return 0, fmt.Errorf("unknown binary operator %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (op BinaryOp) MarshalJSON() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid binary operator %d", uint8(op))
	}
	return json.Marshal(op.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *BinaryOp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseBinaryOp(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Apply applies the operator to a pair of samples.
func (op BinaryOp) Apply(l, r float64) float64 {
	switch op {
	case OpAdd:
		return l + r
	case OpSub:
		return l - r
	case OpMul:
		return l * r
	case OpDiv:
		// IEEE semantics: x/0 is ±Inf, 0/0 is NaN. Callers filter if needed.
		return l / r
	default:
		return 0
	}
}

// Fn enumerates the pointwise transform functions.
type Fn uint8

const (
	FnAbs Fn = iota + 1
	FnCeil
	FnFloor
	FnExp
	FnLn
	FnSqrt
	FnClampMin
	FnClampMax
)

// Valid reports whether the function is a member of the closed set.
func (f Fn) Valid() bool { return f >= FnAbs && f <= FnClampMax }

// Arity returns the number of scalar arguments the function requires.
func (f Fn) Arity() int {
	switch f {
	case FnClampMin, FnClampMax:
		return 1
	default:
		return 0
	}
}

// String returns the wire token.
func (f Fn) String() string {
	switch f {
	case FnAbs:
		return "abs"
	case FnCeil:
		return "ceil"
	case FnFloor:
		return "floor"
	case FnExp:
		return "exp"
	case FnLn:
		return "ln"
	case FnSqrt:
		return "sqrt"
	case FnClampMin:
		return "clampMin"
	case FnClampMax:
		return "clampMax"
	default:
		return fmt.Sprintf("Fn(%d)", uint8(f))
	}
}

// ParseFn resolves a wire token. Unknown tokens are rejected.
func ParseFn(s string) (Fn, error) {
	switch s {
	case "abs":
		return FnAbs, nil
	case "ceil":
		return FnCeil, nil
	case "floor":
		return FnFloor, nil
	case "exp":
		return FnExp, nil
	case "ln":
		return FnLn, nil
	case "sqrt":
		return FnSqrt, nil
	case "clampMin":
		return FnClampMin, nil
	case "clampMax":
		return FnClampMax, nil
	default:
		return 0, fmt.Errorf("unknown function %q", s)
	}
}

// Apply evaluates the function on one sample. args must already satisfy
// Arity; extra arguments are ignored.
func (f Fn) Apply(v float64, args []float64) float64 {
	switch f {
	case FnAbs:
		return math.Abs(v)
	case FnCeil:
		return math.Ceil(v)
	case FnFloor:
		return math.Floor(v)
	case FnExp:
		return math.Exp(v)
	case FnLn:
		return math.Log(v)
	case FnSqrt:
		return math.Sqrt(v)
	case FnClampMin:
		return math.Max(v, args[0])
	case FnClampMax:
		return math.Min(v, args[0])
	default:
		return v
	}
}

// MarshalJSON implements json.Marshaler.
func (f Fn) MarshalJSON() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid function %d", uint8(f))
	}
	return json.Marshal(f.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Fn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFn(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
