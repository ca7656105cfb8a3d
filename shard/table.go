package shard

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meridiandb/meridian/model"
)

// slot is the state of one shard inside a snapshot.
type slot struct {
	status   Status
	owner    model.NodeRef
	hasOwner bool
	seq      uint64 // last applied event sequence
}

// Snapshot is an immutable view of a shard table. All planner reads during
// one materialize call go through a single snapshot, so concurrent event
// application can never produce a torn read.
type Snapshot struct {
	dataset model.DatasetRef
	slots   []slot
}

// Dataset returns the dataset the snapshot belongs to.
func (s *Snapshot) Dataset() model.DatasetRef { return s.dataset }

// NumShards returns the fixed shard count.
func (s *Snapshot) NumShards() int { return len(s.slots) }

// StatusForShard returns the status of a shard; out-of-range ids report
// Unassigned.
func (s *Snapshot) StatusForShard(id int) Status {
	if id < 0 || id >= len(s.slots) {
		return StatusUnassigned
	}
	return s.slots[id].status
}

// CoordForShard returns the owning node reference of a shard, if any.
func (s *Snapshot) CoordForShard(id int) (model.NodeRef, bool) {
	if id < 0 || id >= len(s.slots) || !s.slots[id].hasOwner {
		return model.NodeRef{}, false
	}
	return s.slots[id].owner, true
}

// SequenceForShard returns the last applied event sequence for a shard.
func (s *Snapshot) SequenceForShard(id int) uint64 {
	if id < 0 || id >= len(s.slots) {
		return 0
	}
	return s.slots[id].seq
}

// ShardsForKeyHash returns the shard set a shard-key hash maps to when spread
// over 2^spreadBits shards.
func (s *Snapshot) ShardsForKeyHash(hash uint64, spreadBits int) []int {
	return shardsForHash(hash, len(s.slots), spreadBits)
}

// AllShards returns every shard id in order.
func (s *Snapshot) AllShards() []int {
	ids := make([]int, len(s.slots))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// ActiveShards returns the ids of shards that can serve reads.
func (s *Snapshot) ActiveShards() []int {
	var ids []int
	for i, sl := range s.slots {
		if sl.status.Queryable() {
			ids = append(ids, i)
		}
	}
	return ids
}

// NumAssignedShards returns the count of queryable shards.
func (s *Snapshot) NumAssignedShards() int {
	n := 0
	for _, sl := range s.slots {
		if sl.status.Queryable() {
			n++
		}
	}
	return n
}

// ShardsOwnedBy returns the shard ids currently owned by node.
func (s *Snapshot) ShardsOwnedBy(node model.NodeRef) []int {
	var ids []int
	for i, sl := range s.slots {
		if sl.hasOwner && sl.owner == node {
			ids = append(ids, i)
		}
	}
	return ids
}

// Table is the per-dataset shard table: a fixed-size ordered array of shard
// slots sized at dataset setup and never resized.
//
// Mutation happens only through ApplyEvent (or ApplySnapshot for subscriber
// resyncs) and swaps a fresh immutable Snapshot; readers always observe one
// consistent snapshot.
type Table struct {
	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table with numShards empty slots. numShards must be a
// positive power of two: shard ids are dense in [0, numShards) and spread
// expansion reserves low hash bits.
func NewTable(dataset model.DatasetRef, numShards int) (*Table, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("shard: numShards must be positive, got %d", numShards)
	}
	if numShards&(numShards-1) != 0 {
		return nil, fmt.Errorf("shard: numShards must be a power of two, got %d", numShards)
	}
	t := &Table{}
	t.current.Store(&Snapshot{
		dataset: dataset,
		slots:   make([]slot, numShards),
	})
	return t, nil
}

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot { return t.current.Load() }

// Dataset returns the dataset the table belongs to.
func (t *Table) Dataset() model.DatasetRef { return t.Snapshot().dataset }

// NumShards returns the fixed shard count.
func (t *Table) NumShards() int { return t.Snapshot().NumShards() }

// StatusForShard returns the status of a shard from the current snapshot.
func (t *Table) StatusForShard(id int) Status { return t.Snapshot().StatusForShard(id) }

// CoordForShard returns the owner of a shard from the current snapshot.
func (t *Table) CoordForShard(id int) (model.NodeRef, bool) {
	return t.Snapshot().CoordForShard(id)
}

// ShardsForKeyHash expands a shard-key hash against the current snapshot.
func (t *Table) ShardsForKeyHash(hash uint64, spreadBits int) []int {
	return t.Snapshot().ShardsForKeyHash(hash, spreadBits)
}

// ApplyEvent applies one shard event and reports whether table state changed.
//
// Application is idempotent and order-tolerant: an event whose sequence is
// not greater than the shard's last applied sequence is a no-op. Events for
// unknown shard ids are ignored; the table size is fixed at creation.
func (t *Table) ApplyEvent(ev Event) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := t.current.Load()
	if ev.Shard < 0 || ev.Shard >= len(cur.slots) {
		return false
	}
	if ev.Sequence <= cur.slots[ev.Shard].seq {
		return false
	}

	next := &Snapshot{
		dataset: cur.dataset,
		slots:   append([]slot(nil), cur.slots...),
	}
	sl := &next.slots[ev.Shard]
	sl.status = ev.statusAfter()
	sl.seq = ev.Sequence
	switch ev.Kind {
	case EventShardAssigned, EventIngestionStarted:
		sl.owner = ev.Node
		sl.hasOwner = true
	case EventShardDown:
		sl.owner = model.NodeRef{}
		sl.hasOwner = false
	}
	t.current.Store(next)
	return true
}

// ApplySnapshot replaces the table state wholesale. Used when a subscriber
// resynchronizes from the assignment authority; the incoming snapshot's
// per-shard sequences keep later duplicate events idempotent.
func (t *Table) ApplySnapshot(snap *Snapshot) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := t.current.Load()
	if snap.NumShards() != len(cur.slots) {
		return fmt.Errorf("shard: snapshot has %d shards, table has %d",
			snap.NumShards(), len(cur.slots))
	}
	t.current.Store(snap)
	return nil
}

// Clone returns an independent table seeded from snap.
func Clone(snap *Snapshot) *Table {
	t := &Table{}
	t.current.Store(snap)
	return t
}
