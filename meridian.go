package meridian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/meridiandb/meridian/cluster"
	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/query"
	"github.com/meridiandb/meridian/shard"
	"github.com/meridiandb/meridian/store"
)

// servedDataset bundles everything one dataset needs on this node: the
// locally followed shard table, the subscription feeding it and the
// orchestrator answering queries against it.
type servedDataset struct {
	table *shard.Table
	sub   *cluster.Subscription
	orch  *query.Orchestrator
	done  chan struct{} // closed when the apply loop exits
}

// Coordinator is the node-level query entry point. It follows shard
// assignments from a cluster.Manager, keeps one orchestrator per served
// dataset and routes requests by dataset reference.
//
// Each dataset is an independent failure domain: a restart or teardown
// touches only that dataset's pool and in-flight queries, never the
// manager's authoritative state or the other datasets.
type Coordinator struct {
	manager *cluster.Manager
	store   store.Store
	logger  *slog.Logger
	opts    options

	mu       sync.Mutex
	datasets map[model.DatasetRef]*servedDataset
	closed   bool
}

// NewCoordinator builds a coordinator reading chunk and index data from
// st and following shard assignments from manager.
func NewCoordinator(manager *cluster.Manager, st store.Store, fns ...Option) (*Coordinator, error) {
	if manager == nil {
		return nil, errors.New("meridian: nil cluster manager")
	}
	if st == nil {
		return nil, errors.New("meridian: nil store")
	}
	o := applyOptions(fns)
	return &Coordinator{
		manager:  manager,
		store:    st,
		logger:   o.logger,
		opts:     o,
		datasets: make(map[model.DatasetRef]*servedDataset),
	}, nil
}

// SetupDataset registers the dataset with the assignment authority and
// starts serving it on this node. Per-dataset options are appended to
// the coordinator-wide ones, so a single dataset can get its own pool
// size or execution options.
func (c *Coordinator) SetupDataset(ref model.DatasetRef, layout model.DatasetOptions, queryOpts ...query.Option) error {
	if err := c.manager.SetupDataset(ref, layout); err != nil {
		return err
	}
	if err := c.serve(ref, layout, queryOpts); err != nil {
		_ = c.manager.TeardownDataset(ref)
		return err
	}
	return nil
}

// ServeDataset starts serving a dataset that already exists on the
// assignment authority, using the layout it was registered with.
func (c *Coordinator) ServeDataset(ref model.DatasetRef, queryOpts ...query.Option) error {
	layout, ok := c.manager.DatasetOptions(ref)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	return c.serve(ref, layout, queryOpts)
}

// serve subscribes, seeds the local table from the subscription's
// initial snapshot and starts the apply loop. The loop is pure control
// plane: it only advances the table and never executes plans, so a
// saturated or restarting query pool cannot stall assignment updates.
func (c *Coordinator) serve(ref model.DatasetRef, layout model.DatasetOptions, queryOpts []query.Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	if _, ok := c.datasets[ref]; ok {
		return fmt.Errorf("%w: %s", cluster.ErrDatasetExists, ref)
	}

	sub, err := c.manager.Subscribe(ref)
	if err != nil {
		return err
	}
	first, ok := <-sub.Updates()
	if !ok || first.Snapshot == nil {
		c.manager.Unsubscribe(sub)
		return fmt.Errorf("meridian: subscription for %s closed before the initial snapshot", ref)
	}
	table := shard.Clone(first.Snapshot)

	opts := append([]query.Option{
		query.WithLogger(c.logger),
		query.WithSink(c.opts.sink),
	}, c.opts.queryOpts...)
	opts = append(opts, queryOpts...)

	orch, err := query.NewOrchestrator(ref, layout, table, c.store, opts...)
	if err != nil {
		c.manager.Unsubscribe(sub)
		return err
	}

	ds := &servedDataset{
		table: table,
		sub:   sub,
		orch:  orch,
		done:  make(chan struct{}),
	}
	c.datasets[ref] = ds
	go c.applyLoop(ref, ds)

	c.logger.Info("dataset serving", "dataset", ref.String(), "shards", layout.NumShards)
	return nil
}

// applyLoop drains the subscription into the local table until the
// channel closes. A snapshot replaces the table wholesale, an event
// advances it by one transition; both are idempotent, so a resync after
// a buffer overflow is always safe to apply.
func (c *Coordinator) applyLoop(ref model.DatasetRef, ds *servedDataset) {
	defer close(ds.done)
	for update := range ds.sub.Updates() {
		if update.Snapshot != nil {
			if err := ds.table.ApplySnapshot(update.Snapshot); err != nil {
				c.logger.Error("snapshot rejected", "dataset", ref.String(), "error", err)
			}
			continue
		}
		ds.table.ApplyEvent(update.Event)
	}
	c.logger.Debug("assignment stream ended", "dataset", ref.String())
}

// TeardownDataset stops serving a dataset and removes it from the
// assignment authority. In-flight queries fail with the orchestrator's
// closed error; other datasets are untouched.
func (c *Coordinator) TeardownDataset(ref model.DatasetRef) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	ds, ok := c.datasets[ref]
	if ok {
		delete(c.datasets, ref)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}

	mgrErr := c.manager.TeardownDataset(ref)
	c.manager.Unsubscribe(ds.sub)
	<-ds.done
	err := ds.orch.Close()

	c.logger.Info("dataset torn down", "dataset", ref.String())
	// The authority already lacking the dataset, or being closed, still
	// leaves this node cleanly stopped.
	if mgrErr != nil && !errors.Is(mgrErr, model.ErrUnknownDataset) && !errors.Is(mgrErr, cluster.ErrManagerClosed) {
		return mgrErr
	}
	return err
}

// RestartDataset fails the dataset's in-flight queries deterministically
// and replaces its worker pool. The shard table keeps following events
// throughout; no other dataset is affected.
func (c *Coordinator) RestartDataset(ref model.DatasetRef) error {
	ds, err := c.dataset(ref)
	if err != nil {
		return err
	}
	return ds.orch.Restart()
}

// Datasets returns the locally served dataset refs in canonical order.
func (c *Coordinator) Datasets() []model.DatasetRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]model.DatasetRef, 0, len(c.datasets))
	for ref := range c.datasets {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Snapshot returns this node's current view of a dataset's shard table.
func (c *Coordinator) Snapshot(ref model.DatasetRef) (*shard.Snapshot, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.table.Snapshot(), nil
}

// Runtime returns the dataset's execution runtime, used to serve
// dispatched sub-plans arriving from peer nodes.
func (c *Coordinator) Runtime(ref model.DatasetRef) (*exec.Runtime, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.orch.Runtime(), nil
}

// Query plans and executes lp against a dataset, blocking for the
// terminal outcome.
func (c *Coordinator) Query(ctx context.Context, ref model.DatasetRef, lp plan.LogicalPlan, qctx model.QueryContext) (*model.QueryResult, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, &model.QueryError{QueryID: qctx.QueryID, Err: err}
	}
	return ds.orch.Query(ctx, lp, qctx)
}

// Submit plans and executes lp asynchronously. The returned channel
// carries exactly one outcome and is then closed; routing failures
// arrive through the channel like any other terminal error.
func (c *Coordinator) Submit(ctx context.Context, ref model.DatasetRef, lp plan.LogicalPlan, qctx model.QueryContext) <-chan query.Outcome {
	ds, err := c.dataset(ref)
	if err != nil {
		ch := make(chan query.Outcome, 1)
		ch <- query.Outcome{Err: &model.QueryError{QueryID: qctx.QueryID, Err: err}}
		close(ch)
		return ch
	}
	return ds.orch.Submit(ctx, lp, qctx)
}

// Explain materializes lp into an execution plan without executing it.
func (c *Coordinator) Explain(ref model.DatasetRef, lp plan.LogicalPlan, qctx model.QueryContext) (*exec.Plan, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.orch.Explain(lp, qctx)
}

// ExecutePlan runs a pre-materialized plan, routed by the dataset the
// plan names. Plans cross nodes as JSON; see exec.UnmarshalPlan.
func (c *Coordinator) ExecutePlan(ctx context.Context, ep *exec.Plan) (*model.QueryResult, error) {
	if ep == nil || ep.Root == nil {
		return nil, fmt.Errorf("%w: empty execution plan", model.ErrBadQuery)
	}
	ds, err := c.dataset(ep.Dataset)
	if err != nil {
		return nil, &model.QueryError{QueryID: ep.Context.QueryID, Err: err}
	}
	return ds.orch.ExecutePlan(ctx, ep)
}

// IndexNames returns up to limit label column names present on the
// dataset's active shards.
func (c *Coordinator) IndexNames(ctx context.Context, ref model.DatasetRef, limit int) ([]string, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.orch.IndexNames(ctx, limit)
}

// IndexValues returns up to limit values of one label column on one
// shard, most frequent first.
func (c *Coordinator) IndexValues(ctx context.Context, ref model.DatasetRef, shardID int, indexName string, limit int) ([]store.ValueFrequency, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.orch.IndexValues(ctx, shardID, indexName, limit)
}

// TopKCardinality returns the k shard-key paths under prefix with the
// most series, summed across the chosen shards.
func (c *Coordinator) TopKCardinality(ctx context.Context, ref model.DatasetRef, shards []int, prefix []string, depth, k int, addInactive bool) ([]store.CardinalityRecord, error) {
	ds, err := c.dataset(ref)
	if err != nil {
		return nil, err
	}
	return ds.orch.TopKCardinality(ctx, shards, prefix, depth, k, addInactive)
}

func (c *Coordinator) dataset(ref model.DatasetRef) (*servedDataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	ds, ok := c.datasets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	return ds, nil
}
