package cluster

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/shard"
)

// DefaultSubscriptionBuffer is the per-subscription channel capacity used
// when no override is given.
const DefaultSubscriptionBuffer = 64

type options struct {
	logger    *slog.Logger
	strategy  PlacementStrategy
	subBuffer int
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the structured logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStrategy sets the placement strategy. Nil keeps LeastLoaded.
func WithStrategy(s PlacementStrategy) Option {
	return func(o *options) {
		if s != nil {
			o.strategy = s
		}
	}
}

// WithSubscriptionBuffer sets the channel capacity handed to subscribers.
// Values below 1 are clamped to 1: the initial snapshot always needs room.
func WithSubscriptionBuffer(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.subBuffer = n
	}
}

// dataset bundles one dataset's authoritative table with its registration
// options and the listeners following it.
type dataset struct {
	table *shard.Table
	opts  model.DatasetOptions
	subs  map[*Subscription]struct{}
}

// Manager is the shard assignment authority. All state transitions pass
// through it: it mints event sequence numbers, applies events to the
// authoritative tables and fans them out to subscribers.
//
// All methods are safe for concurrent use.
type Manager struct {
	opts options

	mu       sync.Mutex
	nodes    map[string]model.NodeRef
	datasets map[model.DatasetRef]*dataset
	closed   bool
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	o := options{
		logger:    slog.Default(),
		strategy:  LeastLoaded{},
		subBuffer: DefaultSubscriptionBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		opts:     o,
		nodes:    make(map[string]model.NodeRef),
		datasets: make(map[model.DatasetRef]*dataset),
	}
}

// NodeJoined registers a node and places any Unassigned or Down shards,
// across all datasets, that the strategy routes to it. Shards already
// assigned elsewhere are never moved.
func (m *Manager) NodeJoined(node model.NodeRef) error {
	if node.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrUnknownNode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.nodes[node.ID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, node.ID)
	}

	m.nodes[node.ID] = node
	m.opts.logger.Info("node joined", "node", node.String(), "nodes", len(m.nodes))
	m.rebalanceAllLocked()
	return nil
}

// NodeLeft deregisters a node. Every shard it owned goes Down, then a
// rebalance reassigns what the surviving nodes can take; with no survivors
// the shards stay Down until the next join.
func (m *Manager) NodeLeft(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	node, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	delete(m.nodes, nodeID)
	for _, ds := range m.datasets {
		snap := ds.table.Snapshot()
		for _, id := range snap.ShardsOwnedBy(node) {
			if snap.StatusForShard(id) == shard.StatusAssigned {
				m.emitLocked(ds, shard.EventShardDown, id, model.NodeRef{})
			}
		}
	}
	m.opts.logger.Info("node left", "node", node.String(), "nodes", len(m.nodes))
	m.rebalanceAllLocked()
	return nil
}

// Nodes returns the registered nodes sorted by ID.
func (m *Manager) Nodes() []model.NodeRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeListLocked()
}

// SetupDataset creates the shard table for a dataset and places its shards
// on the currently registered nodes. opts.NumShards must be a positive
// power of two.
func (m *Manager) SetupDataset(ref model.DatasetRef, opts model.DatasetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.datasets[ref]; ok {
		return fmt.Errorf("%w: %s", ErrDatasetExists, ref)
	}

	table, err := shard.NewTable(ref, opts.NumShards)
	if err != nil {
		return err
	}
	ds := &dataset{
		table: table,
		opts:  opts,
		subs:  make(map[*Subscription]struct{}),
	}
	m.datasets[ref] = ds
	m.opts.logger.Info("dataset created", "dataset", ref.String(), "shards", opts.NumShards)
	m.rebalanceDatasetLocked(ds)
	return nil
}

// TeardownDataset removes a dataset's table and closes its subscriptions.
func (m *Manager) TeardownDataset(ref model.DatasetRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}

	delete(m.datasets, ref)
	for sub := range ds.subs {
		sub.closeLocked()
	}
	m.opts.logger.Info("dataset removed", "dataset", ref.String())
	return nil
}

// ResetDataset starts a fresh incarnation: a new table with every shard
// Unassigned and all sequences reset, pushed to subscribers as a snapshot,
// then placed again. This is the only way out of Stopped and Error.
func (m *Manager) ResetDataset(ref model.DatasetRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}

	table, err := shard.NewTable(ref, ds.opts.NumShards)
	if err != nil {
		return err
	}
	ds.table = table
	snap := table.Snapshot()
	for sub := range ds.subs {
		sub.resyncLocked(snap)
	}
	m.opts.logger.Info("dataset reset", "dataset", ref.String())
	m.rebalanceDatasetLocked(ds)
	return nil
}

// StopShard stops ingestion on one shard. The shard stays Stopped until the
// dataset is reset.
func (m *Manager) StopShard(ref model.DatasetRef, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	if id < 0 || id >= ds.table.NumShards() {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	m.emitLocked(ds, shard.EventIngestionStopped, id, model.NodeRef{})
	return nil
}

// ReportIngestionStarted records that the owning node began ingesting a
// shard. Only the recorded owner may report.
func (m *Manager) ReportIngestionStarted(ref model.DatasetRef, id int, node model.NodeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	if id < 0 || id >= ds.table.NumShards() {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	if ds.table.StatusForShard(id).Terminal() {
		return fmt.Errorf("%w: shard %d", ErrShardTerminal, id)
	}
	owner, ok := ds.table.CoordForShard(id)
	if !ok || owner != node {
		return fmt.Errorf("%w: %s is not the owner of shard %d", ErrNotOwner, node, id)
	}
	m.emitLocked(ds, shard.EventIngestionStarted, id, node)
	return nil
}

// ReportIngestionError records a fatal ingestion failure on one shard. The
// shard stays Error until the dataset is reset.
func (m *Manager) ReportIngestionError(ref model.DatasetRef, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	if id < 0 || id >= ds.table.NumShards() {
		return fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	m.emitLocked(ds, shard.EventIngestionError, id, model.NodeRef{})
	return nil
}

// Snapshot returns the current authoritative view of a dataset's table.
func (m *Manager) Snapshot(ref model.DatasetRef) (*shard.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}
	return ds.table.Snapshot(), nil
}

// DatasetOptions returns the options a dataset was registered with.
func (m *Manager) DatasetOptions(ref model.DatasetRef) (model.DatasetOptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[ref]
	if !ok {
		return model.DatasetOptions{}, false
	}
	return ds.opts, true
}

// Datasets returns the registered dataset refs in canonical order.
func (m *Manager) Datasets() []model.DatasetRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]model.DatasetRef, 0, len(m.datasets))
	for ref := range m.datasets {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Subscribe registers a listener for one dataset. The subscription's first
// update is a full snapshot of the current table; every later update is an
// event (or a fresh snapshot after the subscriber overflowed its buffer).
func (m *Manager) Subscribe(ref model.DatasetRef) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	ds, ok := m.datasets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDataset, ref)
	}

	sub := &Subscription{
		dataset: ref,
		ch:      make(chan Update, m.opts.subBuffer),
	}
	sub.ch <- Update{Snapshot: ds.table.Snapshot()}
	ds.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.datasets[sub.dataset]; ok {
		delete(ds.subs, sub)
	}
	sub.closeLocked()
}

// Close tears down every dataset and closes every subscription. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ds := range m.datasets {
		for sub := range ds.subs {
			sub.closeLocked()
		}
	}
	m.datasets = make(map[model.DatasetRef]*dataset)
	m.nodes = make(map[string]model.NodeRef)
	return nil
}

// emitLocked mints the next sequence for the shard, applies the event to
// the authoritative table and fans it out. Events the table rejects as
// stale are not published.
func (m *Manager) emitLocked(ds *dataset, kind shard.EventKind, id int, node model.NodeRef) {
	ev := shard.Event{
		Kind:     kind,
		Dataset:  ds.table.Dataset(),
		Shard:    id,
		Node:     node,
		Sequence: ds.table.Snapshot().SequenceForShard(id) + 1,
	}
	if !ds.table.ApplyEvent(ev) {
		return
	}
	m.opts.logger.Debug("shard event", "event", ev.String())
	snap := ds.table.Snapshot()
	for sub := range ds.subs {
		sub.deliverLocked(ev, snap)
	}
}

func (m *Manager) rebalanceAllLocked() {
	for _, ds := range m.datasets {
		m.rebalanceDatasetLocked(ds)
	}
}

// rebalanceDatasetLocked places every Unassigned or Down shard of one
// dataset. Assigned shards are never moved and Stopped/Error shards are
// terminal, so neither is touched.
func (m *Manager) rebalanceDatasetLocked(ds *dataset) {
	if len(m.nodes) == 0 {
		return
	}
	snap := ds.table.Snapshot()
	var pending []int
	for _, id := range snap.AllShards() {
		switch snap.StatusForShard(id) {
		case shard.StatusUnassigned, shard.StatusDown:
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return
	}

	placed := m.opts.strategy.Place(pending, m.nodeListLocked(), m.loadLocked())
	for _, id := range pending {
		node, ok := placed[id]
		if !ok {
			continue
		}
		m.emitLocked(ds, shard.EventShardAssigned, id, node)
	}
}

func (m *Manager) nodeListLocked() []model.NodeRef {
	nodes := make([]model.NodeRef, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// loadLocked counts assigned shards per node across all datasets, with a
// zero entry for every registered node so strategies see idle ones.
func (m *Manager) loadLocked() map[model.NodeRef]int {
	load := make(map[model.NodeRef]int, len(m.nodes))
	for _, n := range m.nodes {
		load[n] = 0
	}
	for _, ds := range m.datasets {
		snap := ds.table.Snapshot()
		for _, id := range snap.AllShards() {
			if snap.StatusForShard(id) != shard.StatusAssigned {
				continue
			}
			if owner, ok := snap.CoordForShard(id); ok {
				load[owner]++
			}
		}
	}
	return load
}
