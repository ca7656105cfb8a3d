package shard

import "fmt"

// Status is the lifecycle state of one shard slot.
//
// Transitions happen only by applying an Event:
//
//	Unassigned → Assigned           (placement / ingestion start)
//	Assigned   → Down               (owning node lost)
//	Assigned   → Stopped            (explicit ingestion stop)
//	Assigned   → Error              (fatal ingestion error)
//	Down       → Assigned           (reassignment)
//
// Stopped and Error are terminal for the shard incarnation until the dataset
// is reset.
type Status uint8

const (
	StatusUnassigned Status = iota
	StatusAssigned
	StatusDown
	StatusStopped
	StatusError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusUnassigned:
		return "Unassigned"
	case StatusAssigned:
		return "Assigned"
	case StatusDown:
		return "Down"
	case StatusStopped:
		return "Stopped"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Queryable reports whether a shard in this state can serve reads.
func (s Status) Queryable() bool { return s == StatusAssigned }

// Terminal reports whether the state persists until the dataset is reset.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusError }
