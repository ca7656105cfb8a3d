package exec

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/store"
	"github.com/meridiandb/meridian/telemetry"
)

// FailurePolicy decides how a reduction treats child failures.
type FailurePolicy uint8

const (
	// FailFast cancels all siblings on the first child error and fails
	// the query.
	FailFast FailurePolicy = iota
	// BestEffort drops failed children, marks the session partial and
	// keeps going while at least one child survives.
	BestEffort
)

// String implements fmt.Stringer.
func (p FailurePolicy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "fail-fast"
}

// policyFor derives the reduction policy from the query context. Partial
// results must be asked for; fail-fast is the default.
func policyFor(s *Session) FailurePolicy {
	if s.Context().AllowPartial {
		return BestEffort
	}
	return FailFast
}

// Config bounds one runtime's execution resources.
type Config struct {
	// FanOut caps concurrent child executions per reduction node.
	// Zero falls back to the default.
	FanOut int

	// MaxBufferBytes is the shared budget for materialized result
	// buffers across all in-flight sessions. Zero disables the bound.
	MaxBufferBytes int64

	// Compression selects the wire codec for dispatched subplans.
	Compression CompressionType
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		FanOut:         8,
		MaxBufferBytes: 256 << 20,
		Compression:    CompressionZSTD,
	}
}

type options struct {
	cfg        Config
	logger     *slog.Logger
	sink       telemetry.Sink
	local      model.NodeRef
	dispatcher Dispatcher
}

// Option configures a Runtime.
type Option func(*options)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the structured logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sets the telemetry sink. Nil keeps the no-op sink.
func WithSink(t telemetry.Sink) Option {
	return func(o *options) {
		if t != nil {
			o.sink = t
		}
	}
}

// WithLocalNode names the cluster identity of this process. Scan nodes
// targeting it run in-process instead of dispatching; without an
// identity the runtime treats every node as local.
func WithLocalNode(n model.NodeRef) Option {
	return func(o *options) {
		o.local = n
	}
}

// WithDispatcher sets the transport for subtrees owned by other nodes.
// Without one, any remote-targeted node fails the query.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// Runtime executes materialized plans against one dataset. It owns the
// shared result-buffer governor and the dispatch transport. All methods
// are safe for concurrent use.
type Runtime struct {
	dataset    model.DatasetRef
	source     store.ChunkSource
	cfg        Config
	logger     *slog.Logger
	sink       telemetry.Sink
	local      model.NodeRef
	dispatcher Dispatcher
	mem        *semaphore.Weighted // nil when MaxBufferBytes == 0
}

// NewRuntime builds a runtime reading from source.
func NewRuntime(dataset model.DatasetRef, source store.ChunkSource, opts ...Option) *Runtime {
	o := options{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		sink:   telemetry.NoopSink{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg.FanOut <= 0 {
		o.cfg.FanOut = DefaultConfig().FanOut
	}
	rt := &Runtime{
		dataset:    dataset,
		source:     source,
		cfg:        o.cfg,
		logger:     o.logger,
		sink:       o.sink,
		local:      o.local,
		dispatcher: o.dispatcher,
	}
	if o.cfg.MaxBufferBytes > 0 {
		rt.mem = semaphore.NewWeighted(o.cfg.MaxBufferBytes)
	}
	return rt
}

// Dataset returns the dataset this runtime serves.
func (rt *Runtime) Dataset() model.DatasetRef { return rt.dataset }

// LocalNode returns the cluster identity this runtime executes as.
func (rt *Runtime) LocalNode() model.NodeRef { return rt.local }

// NewSession opens a session drawing result buffers from the runtime's
// shared governor. The caller owns the session and must Close it.
func (rt *Runtime) NewSession(qctx model.QueryContext) *Session {
	return newSession(qctx, rt.mem)
}

// Execute runs a plan to completion and assembles the client-visible
// result: vectors in canonical series-key order, statistics and the
// partial state drawn from the session. The plan's deadline bounds the
// whole walk; an overrun surfaces as a typed timeout error.
func (rt *Runtime) Execute(ctx context.Context, p *Plan, s *Session) (*model.QueryResult, error) {
	if p == nil || p.Root == nil {
		return nil, fmt.Errorf("%w: empty execution plan", model.ErrBadQuery)
	}
	qctx := p.Context
	ctx, cancel := context.WithDeadline(ctx, qctx.Deadline())
	defer cancel()

	started := time.Now()
	for _, sk := range p.Skipped {
		s.MarkPartial(fmt.Sprintf("shard %d skipped (%s)", sk.Shard, sk.Status))
	}

	frame, err := rt.runNode(ctx, p.Root, s)
	if err != nil {
		return nil, normalizeErr(qctx, err)
	}
	if frame.Scalar != nil {
		return nil, fmt.Errorf("%w: plan yields a scalar, not a series", model.ErrBadQuery)
	}
	if limit := qctx.ResultLimit; limit > 0 && len(frame.Vectors) > limit {
		return nil, fmt.Errorf("%w: %d result vectors over limit %d",
			model.ErrLimitExceeded, len(frame.Vectors), limit)
	}
	sort.Slice(frame.Vectors, func(i, j int) bool {
		return frame.Vectors[i].Key.Compare(frame.Vectors[j].Key) < 0
	})
	var resBytes int64
	for _, v := range frame.Vectors {
		resBytes += vectorBytes(v.Len())
	}
	s.AddResultBytes(resBytes)

	rt.logger.Debug("plan executed",
		"query_id", qctx.QueryID,
		"dataset", rt.dataset.String(),
		"leaves", p.Leaves,
		"vectors", len(frame.Vectors),
		"partial", s.Partial(),
		"elapsed", time.Since(started))

	return &model.QueryResult{
		QueryID:       qctx.QueryID,
		Schema:        frame.Schema,
		Vectors:       frame.Vectors,
		Stats:         s.Stats(),
		Partial:       s.Partial(),
		PartialReason: s.PartialReason(),
	}, nil
}

// Stream executes p and yields the result vectors one at a time. An
// error, if any, arrives as the final element.
func (rt *Runtime) Stream(ctx context.Context, p *Plan, s *Session) iter.Seq2[model.RangeVector, error] {
	return func(yield func(model.RangeVector, error) bool) {
		res, err := rt.Execute(ctx, p, s)
		if err != nil {
			yield(model.RangeVector{}, err)
			return
		}
		for _, v := range res.Vectors {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// isRemote reports whether a node targeted at owner must be dispatched.
// A runtime without a cluster identity is not part of a cluster and
// executes everything in-process regardless of shard ownership.
func (rt *Runtime) isRemote(owner model.NodeRef) bool {
	return !owner.IsZero() && !rt.local.IsZero() && owner != rt.local
}

// runNode routes one node: subtrees owned by another cluster node go
// through the dispatcher, everything else executes in-process.
func (rt *Runtime) runNode(ctx context.Context, n Node, s *Session) (Frame, error) {
	target := n.Target()
	if !rt.isRemote(target) {
		return n.Execute(ctx, rt, s)
	}
	if rt.dispatcher == nil {
		return Frame{}, fmt.Errorf("no dispatcher for %s owned by %s", n.Kind(), target.ID)
	}
	reply, err := rt.dispatcher.Dispatch(ctx, target, &DispatchRequest{
		Dataset: rt.dataset,
		Context: s.Context(),
		Root:    n,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("dispatch to %s: %w", target.ID, err)
	}
	s.MergeStats(reply.Stats)
	if reply.Partial {
		s.MarkPartial(reply.PartialReason)
	}
	var transported int64
	for _, v := range reply.Frame.Vectors {
		transported += vectorBytes(v.Len())
	}
	if err := s.ReserveBuffer(ctx, transported); err != nil {
		return Frame{}, err
	}
	return reply.Frame, nil
}

// runChildren executes children concurrently under the fan-out limit.
// Under FailFast the first error cancels the siblings and fails the
// call. Under BestEffort failed children are dropped and recorded on the
// session; only losing every child fails the call.
func (rt *Runtime) runChildren(ctx context.Context, s *Session, children []Node, policy FailurePolicy) ([]Frame, error) {
	if len(children) == 0 {
		return nil, nil
	}
	frames := make([]Frame, len(children))
	errs := make([]error, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.cfg.FanOut)
	for i, child := range children {
		g.Go(func() error {
			started := time.Now()
			frame, err := rt.runNode(gctx, child, s)
			rt.sink.RecordDispatch(rt.dataset.String(), rt.isRemote(child.Target()), time.Since(started), err)
			if err != nil {
				if policy == FailFast {
					return err
				}
				errs[i] = err
				rt.logger.Warn("child dropped",
					"query_id", s.Context().QueryID,
					"node", child.String(),
					"error", err)
				return nil
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if policy == FailFast {
		return frames, nil
	}
	out := make([]Frame, 0, len(children))
	var firstErr error
	failed := 0
	for i := range children {
		if errs[i] != nil {
			failed++
			if firstErr == nil {
				firstErr = errs[i]
			}
			s.MarkPartial(fmt.Sprintf("%s: %v", children[i], errs[i]))
			continue
		}
		out = append(out, frames[i])
	}
	if failed == len(children) {
		return nil, firstErr
	}
	return out, nil
}

// normalizeErr converts a deadline overrun into the typed timeout error;
// everything else passes through.
func normalizeErr(qctx model.QueryContext, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError(qctx.Elapsed(time.Now()))
	}
	return err
}
