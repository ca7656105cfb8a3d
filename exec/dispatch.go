package exec

import (
	"context"
	"fmt"

	"github.com/meridiandb/meridian/model"
)

// DispatchRequest is one subtree handed to another cluster node for
// execution. The query context travels unmodified so the serving side
// enforces the same deadline and limits.
type DispatchRequest struct {
	Dataset model.DatasetRef
	Context model.QueryContext
	Root    Node
}

// DispatchReply carries the subtree's output frame plus the serving
// side's execution accounting.
type DispatchReply struct {
	Frame         Frame
	Stats         model.QueryStats
	Partial       bool
	PartialReason string
}

// Dispatcher moves subtrees to the cluster nodes that own their shards.
type Dispatcher interface {
	Dispatch(ctx context.Context, target model.NodeRef, req *DispatchRequest) (*DispatchReply, error)
}

// Serve executes a dispatched subtree on this runtime and returns the
// frame plus accounting. The subtree executes locally regardless of its
// Target: routing was the sender's decision.
func (rt *Runtime) Serve(ctx context.Context, req *DispatchRequest) (*DispatchReply, error) {
	if req == nil || req.Root == nil {
		return nil, fmt.Errorf("%w: empty dispatch request", model.ErrBadQuery)
	}
	s := rt.NewSession(req.Context)
	defer s.Close()
	ctx, cancel := context.WithDeadline(ctx, req.Context.Deadline())
	defer cancel()
	frame, err := req.Root.Execute(ctx, rt, s)
	if err != nil {
		return nil, normalizeErr(req.Context, err)
	}
	return &DispatchReply{
		Frame:         frame,
		Stats:         s.Stats(),
		Partial:       s.Partial(),
		PartialReason: s.PartialReason(),
	}, nil
}

// Loopback is a Dispatcher that serves every target from a backing
// runtime in the same process. Requests and replies still round-trip
// through the wire codec, so single-process deployments exercise the
// same path a networked transport would.
type Loopback struct {
	rt          *Runtime
	compression CompressionType
}

// NewLoopback builds a loopback dispatcher serving from rt.
func NewLoopback(rt *Runtime, compression CompressionType) *Loopback {
	return &Loopback{rt: rt, compression: compression}
}

// Dispatch implements Dispatcher.
func (l *Loopback) Dispatch(ctx context.Context, target model.NodeRef, req *DispatchRequest) (*DispatchReply, error) {
	payload, err := EncodeRequest(req, l.compression)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch: %w", err)
	}
	decoded, err := DecodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	reply, err := l.rt.Serve(ctx, decoded)
	if err != nil {
		return nil, err
	}
	wire, err := EncodeReply(reply, l.compression)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return DecodeReply(wire)
}
