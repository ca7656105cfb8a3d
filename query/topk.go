package query

import (
	"container/heap"

	"github.com/meridiandb/meridian/store"
)

// Compile time check to ensure cardinalityHeap satisfies the heap interface.
var _ heap.Interface = (*cardinalityHeap)(nil)

// cardinalityHeap is a min-heap over cardinality records: the weakest
// record sits at the root so size-k selection can evict it in O(log k).
// Lower count ranks below higher count; for equal counts the
// lexicographically later path ranks below, which makes the final top-k
// order deterministic.
type cardinalityHeap struct {
	records []store.CardinalityRecord
}

// Len returns the number of records in the heap.
func (h *cardinalityHeap) Len() int { return len(h.records) }

// Less reports whether record i ranks below record j.
func (h *cardinalityHeap) Less(i, j int) bool {
	return recordRanksBelow(h.records[i], h.records[j])
}

// Swap swaps the records with indexes i and j.
func (h *cardinalityHeap) Swap(i, j int) {
	h.records[i], h.records[j] = h.records[j], h.records[i]
}

// Push adds x to the heap.
func (h *cardinalityHeap) Push(x any) {
	h.records = append(h.records, x.(store.CardinalityRecord))
}

// Pop removes and returns the weakest record.
func (h *cardinalityHeap) Pop() any {
	old := h.records
	n := len(old)
	rec := old[n-1]
	h.records = old[:n-1]
	return rec
}

func recordRanksBelow(a, b store.CardinalityRecord) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return comparePaths(a.Path, b.Path) > 0
}

func comparePaths(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// topKRecords selects the k strongest records, ordered by descending
// count and ascending path for ties.
func topKRecords(records []store.CardinalityRecord, k int) []store.CardinalityRecord {
	h := &cardinalityHeap{records: make([]store.CardinalityRecord, 0, k)}
	for _, r := range records {
		if h.Len() < k {
			heap.Push(h, r)
			continue
		}
		if recordRanksBelow(h.records[0], r) {
			h.records[0] = r
			heap.Fix(h, 0)
		}
	}
	out := make([]store.CardinalityRecord, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(store.CardinalityRecord)
	}
	return out
}
