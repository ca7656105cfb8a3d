package cluster

import (
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/shard"
)

// Update is one message on a subscription channel. Exactly one branch is
// set: a non-nil Snapshot replaces the receiver's entire table state, an
// Event advances it by one transition.
//
// The first update on every subscription is a snapshot. A snapshot may also
// arrive later, after the subscriber overflowed its buffer; because event
// application is idempotent it is always safe to apply whatever arrives, in
// order.
type Update struct {
	Snapshot *shard.Snapshot
	Event    shard.Event
}

// Subscription is one registered listener for a dataset's shard events.
type Subscription struct {
	dataset model.DatasetRef
	ch      chan Update

	// Guarded by the owning Manager's mutex.
	stale  bool
	closed bool
}

// Updates returns the receive channel. It is closed when the subscription
// is unsubscribed, the dataset is torn down, or the manager closes.
func (s *Subscription) Updates() <-chan Update { return s.ch }

// Dataset returns the dataset this subscription follows.
func (s *Subscription) Dataset() model.DatasetRef { return s.dataset }

// deliverLocked offers an event to the subscriber without ever blocking.
// A full buffer flips the subscription to stale; from then on only a fresh
// snapshot (which supersedes every missed event) is offered, until one
// fits. Callers hold the manager mutex, which is what makes the eventual
// close(ch) safe against concurrent sends.
func (s *Subscription) deliverLocked(ev shard.Event, snap *shard.Snapshot) {
	if s.closed {
		return
	}
	if s.stale {
		select {
		case s.ch <- Update{Snapshot: snap}:
			s.stale = false
		default:
		}
		return
	}
	select {
	case s.ch <- Update{Event: ev}:
	default:
		s.stale = true
	}
}

// resyncLocked force-offers a snapshot, used when the table is replaced
// wholesale (dataset reset). Falls back to stale marking when full.
func (s *Subscription) resyncLocked(snap *shard.Snapshot) {
	if s.closed {
		return
	}
	select {
	case s.ch <- Update{Snapshot: snap}:
		s.stale = false
	default:
		s.stale = true
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
