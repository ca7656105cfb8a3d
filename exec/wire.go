package exec

import (
	"encoding/json"
	"fmt"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
)

// Execution nodes serialize like logical plans: a kind tag plus a
// kind-specific spec, so dispatched subtrees and pre-materialized plans
// share one closed wire grammar.
type nodeEnvelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

type wireShardScan struct {
	Shard        int                  `json:"shard"`
	Owner        model.NodeRef        `json:"owner"`
	Filters      []model.ColumnFilter `json:"filters,omitempty"`
	Column       string               `json:"column"`
	Range        model.TimeRange      `json:"range"`
	OffsetMillis int64                `json:"offsetMillis,omitempty"`
}

type wireMergeSeries struct {
	Inputs []nodeEnvelope `json:"inputs"`
}

type wirePeriodicSample struct {
	Input          nodeEnvelope `json:"input"`
	StartMillis    int64        `json:"startMillis"`
	StepMillis     int64        `json:"stepMillis"`
	EndMillis      int64        `json:"endMillis"`
	LookbackMillis int64        `json:"lookbackMillis,omitempty"`
}

type wireAggregateSeries struct {
	Op    plan.AggregateOp `json:"op"`
	Input nodeEnvelope     `json:"input"`
}

type wireBinaryJoin struct {
	LHS nodeEnvelope  `json:"lhs"`
	Op  plan.BinaryOp `json:"op"`
	RHS nodeEnvelope  `json:"rhs"`
}

type wireScalarFixed struct {
	Value float64 `json:"value"`
}

type wireApplyFunction struct {
	Input nodeEnvelope `json:"input"`
	Fn    plan.Fn      `json:"fn"`
	Args  []float64    `json:"args,omitempty"`
}

// MarshalNode encodes an execution node tree as kind-tagged JSON.
func MarshalNode(n Node) ([]byte, error) {
	env, err := encodeNode(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func encodeNode(n Node) (nodeEnvelope, error) {
	if n == nil {
		return nodeEnvelope{}, fmt.Errorf("%w: nil execution node", model.ErrBadQuery)
	}
	var spec any
	switch node := n.(type) {
	case *ShardScan:
		spec = wireShardScan{
			Shard:        node.Shard,
			Owner:        node.Owner,
			Filters:      node.Filters,
			Column:       node.Column,
			Range:        node.Range,
			OffsetMillis: node.OffsetMillis,
		}
	case *MergeSeries:
		inputs := make([]nodeEnvelope, len(node.Inputs))
		for i, c := range node.Inputs {
			env, err := encodeNode(c)
			if err != nil {
				return nodeEnvelope{}, err
			}
			inputs[i] = env
		}
		spec = wireMergeSeries{Inputs: inputs}
	case *PeriodicSample:
		input, err := encodeNode(node.Input)
		if err != nil {
			return nodeEnvelope{}, err
		}
		spec = wirePeriodicSample{
			Input:          input,
			StartMillis:    node.StartMillis,
			StepMillis:     node.StepMillis,
			EndMillis:      node.EndMillis,
			LookbackMillis: node.LookbackMillis,
		}
	case *AggregateSeries:
		input, err := encodeNode(node.Input)
		if err != nil {
			return nodeEnvelope{}, err
		}
		spec = wireAggregateSeries{Op: node.Op, Input: input}
	case *BinaryJoin:
		lhs, err := encodeNode(node.LHS)
		if err != nil {
			return nodeEnvelope{}, err
		}
		rhs, err := encodeNode(node.RHS)
		if err != nil {
			return nodeEnvelope{}, err
		}
		spec = wireBinaryJoin{LHS: lhs, Op: node.Op, RHS: rhs}
	case *ScalarFixed:
		spec = wireScalarFixed{Value: node.Value}
	case *ApplyFunction:
		input, err := encodeNode(node.Input)
		if err != nil {
			return nodeEnvelope{}, err
		}
		spec = wireApplyFunction{Input: input, Fn: node.Fn, Args: node.Args}
	default:
		return nodeEnvelope{}, fmt.Errorf("%w: unsupported node type %T", model.ErrBadQuery, n)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nodeEnvelope{}, err
	}
	return nodeEnvelope{Kind: n.Kind().String(), Spec: raw}, nil
}

// UnmarshalNode decodes a kind-tagged execution node tree. Unknown kinds
// are rejected.
func UnmarshalNode(data []byte) (Node, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBadQuery, err)
	}
	return decodeNode(env)
}

func decodeNode(env nodeEnvelope) (Node, error) {
	switch env.Kind {
	case "ShardScan":
		var w wireShardScan
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: shard scan: %v", model.ErrBadQuery, err)
		}
		return &ShardScan{
			Shard:        w.Shard,
			Owner:        w.Owner,
			Filters:      w.Filters,
			Column:       w.Column,
			Range:        w.Range,
			OffsetMillis: w.OffsetMillis,
		}, nil
	case "MergeSeries":
		var w wireMergeSeries
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: merge series: %v", model.ErrBadQuery, err)
		}
		inputs := make([]Node, len(w.Inputs))
		for i, c := range w.Inputs {
			node, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			inputs[i] = node
		}
		return &MergeSeries{Inputs: inputs}, nil
	case "PeriodicSample":
		var w wirePeriodicSample
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: periodic sample: %v", model.ErrBadQuery, err)
		}
		input, err := decodeNode(w.Input)
		if err != nil {
			return nil, err
		}
		return &PeriodicSample{
			Input:          input,
			StartMillis:    w.StartMillis,
			StepMillis:     w.StepMillis,
			EndMillis:      w.EndMillis,
			LookbackMillis: w.LookbackMillis,
		}, nil
	case "AggregateSeries":
		var w wireAggregateSeries
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: aggregate series: %v", model.ErrBadQuery, err)
		}
		input, err := decodeNode(w.Input)
		if err != nil {
			return nil, err
		}
		return &AggregateSeries{Op: w.Op, Input: input}, nil
	case "BinaryJoin":
		var w wireBinaryJoin
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: binary join: %v", model.ErrBadQuery, err)
		}
		lhs, err := decodeNode(w.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := decodeNode(w.RHS)
		if err != nil {
			return nil, err
		}
		return &BinaryJoin{LHS: lhs, Op: w.Op, RHS: rhs}, nil
	case "ScalarFixed":
		var w wireScalarFixed
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: scalar: %v", model.ErrBadQuery, err)
		}
		return &ScalarFixed{Value: w.Value}, nil
	case "ApplyFunction":
		var w wireApplyFunction
		if err := json.Unmarshal(env.Spec, &w); err != nil {
			return nil, fmt.Errorf("%w: apply function: %v", model.ErrBadQuery, err)
		}
		input, err := decodeNode(w.Input)
		if err != nil {
			return nil, err
		}
		return &ApplyFunction{Input: input, Fn: w.Fn, Args: w.Args}, nil
	default:
		return nil, fmt.Errorf("%w: unknown node kind %q", model.ErrBadQuery, env.Kind)
	}
}

type wirePlan struct {
	Dataset model.DatasetRef   `json:"dataset"`
	Context model.QueryContext `json:"context"`
	Root    nodeEnvelope       `json:"root"`
	Skipped []SkippedShard     `json:"skipped,omitempty"`
}

// MarshalPlan encodes a materialized plan for pre-planned submission.
func MarshalPlan(p *Plan) ([]byte, error) {
	root, err := encodeNode(p.Root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePlan{
		Dataset: p.Dataset,
		Context: p.Context,
		Root:    root,
		Skipped: p.Skipped,
	})
}

// UnmarshalPlan decodes a materialized plan. The leaf count is recomputed
// from the decoded tree rather than trusted from the wire.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var w wirePlan
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: execution plan: %v", model.ErrBadQuery, err)
	}
	root, err := decodeNode(w.Root)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Dataset: w.Dataset,
		Context: w.Context,
		Root:    root,
		Skipped: w.Skipped,
		Leaves:  CountLeaves(root),
	}, nil
}

type wireRequest struct {
	Dataset model.DatasetRef   `json:"dataset"`
	Context model.QueryContext `json:"context"`
	Root    nodeEnvelope       `json:"root"`
}

type wireReply struct {
	Frame         Frame            `json:"frame"`
	Stats         model.QueryStats `json:"stats"`
	Partial       bool             `json:"partial,omitempty"`
	PartialReason string           `json:"partialReason,omitempty"`
}

// EncodeRequest serializes and frames a dispatch request for transport.
func EncodeRequest(req *DispatchRequest, ct CompressionType) ([]byte, error) {
	root, err := encodeNode(req.Root)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(wireRequest{Dataset: req.Dataset, Context: req.Context, Root: root})
	if err != nil {
		return nil, err
	}
	return encodeBlock(raw, ct)
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(payload []byte) (*DispatchRequest, error) {
	raw, err := decodeBlock(payload)
	if err != nil {
		return nil, err
	}
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: dispatch request: %v", model.ErrBadQuery, err)
	}
	root, err := decodeNode(w.Root)
	if err != nil {
		return nil, err
	}
	return &DispatchRequest{Dataset: w.Dataset, Context: w.Context, Root: root}, nil
}

// EncodeReply serializes and frames a dispatch reply for transport.
func EncodeReply(reply *DispatchReply, ct CompressionType) ([]byte, error) {
	raw, err := json.Marshal(wireReply{
		Frame:         reply.Frame,
		Stats:         reply.Stats,
		Partial:       reply.Partial,
		PartialReason: reply.PartialReason,
	})
	if err != nil {
		return nil, err
	}
	return encodeBlock(raw, ct)
}

// DecodeReply reverses EncodeReply.
func DecodeReply(payload []byte) (*DispatchReply, error) {
	raw, err := decodeBlock(payload)
	if err != nil {
		return nil, err
	}
	var w wireReply
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: dispatch reply: %v", model.ErrBadQuery, err)
	}
	return &DispatchReply{
		Frame:         w.Frame,
		Stats:         w.Stats,
		Partial:       w.Partial,
		PartialReason: w.PartialReason,
	}, nil
}
