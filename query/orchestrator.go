package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/planner"
	"github.com/meridiandb/meridian/store"
	"github.com/meridiandb/meridian/telemetry"
)

var (
	// ErrClosed is returned for queries against a closed orchestrator.
	ErrClosed = errors.New("orchestrator closed")
	// ErrRestarted terminates queries that were in flight across a restart.
	ErrRestarted = errors.New("orchestrator restarted")
	// ErrOverloaded rejects queries over the admission limit.
	ErrOverloaded = errors.New("query admission limit exceeded")
)

// Config tunes a single orchestrator.
type Config struct {
	// PoolSize bounds the workers evaluating plans for this dataset.
	PoolSize int
	// QueriesPerSec rate-limits admission. Zero disables the limiter.
	QueriesPerSec float64
	// Burst is the admission burst size; defaults to 1 when a rate is set.
	Burst int
	// RejectOverLimit turns an exhausted limiter into an immediate typed
	// error instead of a bounded wait.
	RejectOverLimit bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{PoolSize: 16}
}

type options struct {
	cfg      Config
	logger   *slog.Logger
	sink     telemetry.Sink
	execOpts []exec.Option
}

// Option configures an orchestrator.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger, shared with the runtime.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sets the telemetry sink, shared with the runtime.
func WithSink(s telemetry.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithExecOptions forwards options to the execution runtime, for example
// the dispatcher, the local node identity or the buffer budget.
func WithExecOptions(opts ...exec.Option) Option {
	return func(o *options) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// Outcome is the single terminal message of one query.
type Outcome struct {
	Result *model.QueryResult
	Err    error
}

// Orchestrator is the entry point for one dataset's queries. It owns a
// planner, a runtime and a worker pool; its control-plane methods never
// evaluate plans on the caller's goroutine.
type Orchestrator struct {
	dataset model.DatasetRef
	planner *planner.Planner
	runtime *exec.Runtime
	table   planner.SnapshotSource
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	sink    telemetry.Sink
	limiter *rate.Limiter

	mu       sync.Mutex
	pool     *ants.Pool
	inflight map[uint64]context.CancelCauseFunc
	nextID   uint64
	closed   bool
}

// NewOrchestrator builds the orchestrator for one dataset. layout
// describes the dataset's columns and spread, table is its shard table
// and st serves both chunk scans and index metadata.
func NewOrchestrator(dataset model.DatasetRef, layout model.DatasetOptions,
	table planner.SnapshotSource, st store.Store, fns ...Option) (*Orchestrator, error) {
	o := options{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		sink:   telemetry.NoopSink{},
	}
	for _, fn := range fns {
		fn(&o)
	}
	if o.cfg.PoolSize <= 0 {
		o.cfg.PoolSize = DefaultConfig().PoolSize
	}

	pl, err := planner.New(dataset, layout, table)
	if err != nil {
		return nil, err
	}
	execOpts := append([]exec.Option{
		exec.WithLogger(o.logger),
		exec.WithSink(o.sink),
	}, o.execOpts...)

	orch := &Orchestrator{
		dataset:  dataset,
		planner:  pl,
		runtime:  exec.NewRuntime(dataset, st, execOpts...),
		table:    table,
		store:    st,
		cfg:      o.cfg,
		logger:   o.logger,
		sink:     o.sink,
		inflight: make(map[uint64]context.CancelCauseFunc),
	}
	if o.cfg.QueriesPerSec > 0 {
		burst := o.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		orch.limiter = rate.NewLimiter(rate.Limit(o.cfg.QueriesPerSec), burst)
	}
	orch.pool, err = orch.newPool()
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return orch, nil
}

func (o *Orchestrator) newPool() (*ants.Pool, error) {
	return ants.NewPool(o.cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			o.logger.Error("worker panic escaped the query boundary",
				"dataset", o.dataset.String(), "panic", v)
		}))
}

// Dataset returns the dataset this orchestrator serves.
func (o *Orchestrator) Dataset() model.DatasetRef { return o.dataset }

// Runtime exposes the execution runtime, used to serve dispatched
// sub-plans arriving from peer nodes.
func (o *Orchestrator) Runtime() *exec.Runtime { return o.runtime }

// Query plans and executes lp, blocking for the terminal outcome.
func (o *Orchestrator) Query(ctx context.Context, lp plan.LogicalPlan, qctx model.QueryContext) (*model.QueryResult, error) {
	out := <-o.Submit(ctx, lp, qctx)
	return out.Result, out.Err
}

// Submit plans and executes lp on the worker pool. The returned channel
// carries exactly one outcome and is then closed; an expired deadline, a
// closed orchestrator or an admission reject deliver the outcome without
// planning or dispatching anything.
func (o *Orchestrator) Submit(ctx context.Context, lp plan.LogicalPlan, qctx model.QueryContext) <-chan Outcome {
	return o.submit(ctx, qctx, func(runCtx context.Context, deliver terminal) {
		o.planAndExecute(runCtx, lp, qctx, deliver)
	})
}

// ExecutePlan runs a pre-materialized plan, for example one decoded from
// a dispatched request, under the same admission and terminal-outcome
// rules as Submit.
func (o *Orchestrator) ExecutePlan(ctx context.Context, ep *exec.Plan) (*model.QueryResult, error) {
	if ep == nil || ep.Root == nil {
		return nil, fmt.Errorf("%w: empty execution plan", model.ErrBadQuery)
	}
	out := <-o.submit(ctx, ep.Context, func(runCtx context.Context, deliver terminal) {
		o.execute(runCtx, ep, deliver)
	})
	return out.Result, out.Err
}

// Explain materializes lp without executing it.
func (o *Orchestrator) Explain(lp plan.LogicalPlan, qctx model.QueryContext) (*exec.Plan, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	started := time.Now()
	ep, err := o.planner.Materialize(lp, qctx)
	leaves := 0
	if ep != nil {
		leaves = ep.Leaves
	}
	o.sink.RecordPlan(o.dataset.String(), leaves, time.Since(started), err)
	return ep, err
}

// terminal delivers one outcome; later calls are ignored.
type terminal func(*model.QueryResult, error)

func (o *Orchestrator) submit(ctx context.Context, qctx model.QueryContext, work func(context.Context, terminal)) <-chan Outcome {
	ch := make(chan Outcome, 1)
	started := time.Now()
	var once sync.Once
	deliver := func(res *model.QueryResult, err error) {
		once.Do(func() {
			partial := res != nil && res.Partial
			o.sink.RecordQuery(o.dataset.String(), time.Since(started), err, partial)
			if err != nil {
				o.logFailure(qctx, err)
			}
			ch <- Outcome{Result: res, Err: err}
			close(ch)
		})
	}

	o.mu.Lock()
	closed := o.closed
	pool := o.pool
	o.mu.Unlock()
	if closed {
		deliver(nil, o.queryError(qctx, nil, ErrClosed))
		return ch
	}

	// An already-expired deadline short-circuits before planning,
	// admission or dispatch.
	if qctx.Expired(started) {
		deliver(nil, o.queryError(qctx, nil, model.NewTimeoutError(qctx.Elapsed(started))))
		return ch
	}

	if o.limiter != nil && o.cfg.RejectOverLimit && !o.limiter.Allow() {
		o.sink.RecordReject(o.dataset.String())
		deliver(nil, o.queryError(qctx, nil, ErrOverloaded))
		return ch
	}

	err := pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("query panicked",
					"query_id", qctx.QueryID,
					"dataset", o.dataset.String(),
					"panic", r,
					"stack", string(debug.Stack()))
				deliver(nil, o.queryError(qctx, nil, fmt.Errorf("query panic: %v", r)))
			}
		}()

		runCtx, cancel, done, ok := o.register(ctx)
		if !ok {
			deliver(nil, o.queryError(qctx, nil, ErrClosed))
			return
		}
		defer done()
		defer cancel(context.Canceled)

		if o.limiter != nil && !o.cfg.RejectOverLimit {
			waitCtx, waitCancel := context.WithDeadline(runCtx, qctx.Deadline())
			werr := o.limiter.Wait(waitCtx)
			waitCancel()
			if werr != nil {
				deliver(nil, o.queryError(qctx, nil, o.admissionError(runCtx, qctx, werr)))
				return
			}
		}
		work(runCtx, deliver)
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			deliver(nil, o.queryError(qctx, nil, ErrRestarted))
			return ch
		}
		o.sink.RecordReject(o.dataset.String())
		deliver(nil, o.queryError(qctx, nil, fmt.Errorf("%w: worker pool saturated", ErrOverloaded)))
	}
	return ch
}

// planAndExecute materializes and executes on a worker goroutine.
func (o *Orchestrator) planAndExecute(runCtx context.Context, lp plan.LogicalPlan, qctx model.QueryContext, deliver terminal) {
	started := time.Now()
	ep, err := o.planner.Materialize(lp, qctx)
	leaves := 0
	if ep != nil {
		leaves = ep.Leaves
	}
	o.sink.RecordPlan(o.dataset.String(), leaves, time.Since(started), err)
	if err != nil {
		deliver(nil, o.queryError(qctx, nil, err))
		return
	}
	o.execute(runCtx, ep, deliver)
}

func (o *Orchestrator) execute(runCtx context.Context, ep *exec.Plan, deliver terminal) {
	qctx := ep.Context
	s := o.runtime.NewSession(qctx)
	defer s.Close()

	res, err := o.runtime.Execute(runCtx, ep, s)
	if err != nil {
		stats := s.Stats()
		deliver(nil, o.queryError(qctx, &stats, o.cancellationCause(runCtx, err)))
		return
	}
	deliver(res, nil)
}

// register tracks an in-flight query so Restart and Close can fail it.
func (o *Orchestrator) register(ctx context.Context) (context.Context, context.CancelCauseFunc, func(), bool) {
	runCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(ErrClosed)
		return nil, nil, nil, false
	}
	id := o.nextID
	o.nextID++
	o.inflight[id] = cancel
	o.mu.Unlock()
	done := func() {
		o.mu.Lock()
		delete(o.inflight, id)
		o.mu.Unlock()
	}
	return runCtx, cancel, done, true
}

// cancellationCause maps a context cancellation back to the lifecycle
// event that caused it, so restarted or closed queries fail with the
// deterministic sentinel instead of a bare context error.
func (o *Orchestrator) cancellationCause(runCtx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

func (o *Orchestrator) admissionError(runCtx context.Context, qctx model.QueryContext, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError(qctx.Elapsed(time.Now()))
	}
	return o.cancellationCause(runCtx, err)
}

func (o *Orchestrator) queryError(qctx model.QueryContext, stats *model.QueryStats, err error) error {
	qe := &model.QueryError{QueryID: qctx.QueryID, Err: err}
	if stats != nil {
		qe.Stats = *stats
	}
	return qe
}

func (o *Orchestrator) logFailure(qctx model.QueryContext, err error) {
	cause := err
	var qe *model.QueryError
	if errors.As(err, &qe) {
		cause = qe.Err
	}
	switch {
	case model.IsUserError(cause):
		o.logger.Debug("query rejected",
			"query_id", qctx.QueryID, "query", qctx.QueryText, "error", cause)
	case errors.Is(cause, ErrClosed) || errors.Is(cause, ErrRestarted) || errors.Is(cause, ErrOverloaded):
		o.logger.Warn("query turned away",
			"query_id", qctx.QueryID, "error", cause)
	default:
		o.logger.Error("query failed",
			"query_id", qctx.QueryID, "query", qctx.QueryText, "error", cause)
	}
}

// Restart fails every in-flight query with ErrRestarted and replaces the
// worker pool. The shard table and other datasets are untouched.
func (o *Orchestrator) Restart() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	fresh, err := o.newPool()
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("recreate worker pool: %w", err)
	}
	for _, cancel := range o.inflight {
		cancel(ErrRestarted)
	}
	old := o.pool
	o.pool = fresh
	o.mu.Unlock()

	_ = old.ReleaseTimeout(3 * time.Second)
	o.logger.Info("orchestrator restarted", "dataset", o.dataset.String())
	return nil
}

// Close fails in-flight queries, rejects new ones and releases the pool.
// It is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, cancel := range o.inflight {
		cancel(ErrClosed)
	}
	pool := o.pool
	o.mu.Unlock()

	_ = pool.ReleaseTimeout(3 * time.Second)
	o.logger.Debug("orchestrator closed", "dataset", o.dataset.String())
	return nil
}
