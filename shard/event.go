package shard

import (
	"fmt"

	"github.com/meridiandb/meridian/model"
)

// EventKind enumerates the shard lifecycle events.
type EventKind uint8

const (
	// EventShardAssigned places a shard on a node.
	EventShardAssigned EventKind = iota
	// EventIngestionStarted reports the owner began ingesting the shard.
	EventIngestionStarted
	// EventIngestionStopped reports an explicit ingestion stop.
	EventIngestionStopped
	// EventIngestionError reports a fatal ingestion failure.
	EventIngestionError
	// EventShardDown reports the owning node was lost.
	EventShardDown
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventShardAssigned:
		return "ShardAssigned"
	case EventIngestionStarted:
		return "IngestionStarted"
	case EventIngestionStopped:
		return "IngestionStopped"
	case EventIngestionError:
		return "IngestionError"
	case EventShardDown:
		return "ShardDown"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one shard state transition. Sequence is a per-shard monotonically
// increasing number minted by the assignment authority; applying an event
// whose sequence is not greater than the shard's last applied sequence is a
// no-op, which makes delivery idempotent and order-tolerant.
type Event struct {
	Kind     EventKind
	Dataset  model.DatasetRef
	Shard    int
	Node     model.NodeRef // owner for ShardAssigned / IngestionStarted
	Sequence uint64
}

// statusAfter returns the status the event drives the shard into.
func (e Event) statusAfter() Status {
	switch e.Kind {
	case EventShardAssigned, EventIngestionStarted:
		return StatusAssigned
	case EventIngestionStopped:
		return StatusStopped
	case EventIngestionError:
		return StatusError
	case EventShardDown:
		return StatusDown
	default:
		return StatusUnassigned
	}
}

// String returns a compact event description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s(%s shard=%d seq=%d node=%s)",
		e.Kind, e.Dataset, e.Shard, e.Sequence, e.Node)
}
