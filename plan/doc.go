// Package plan defines the logical query plan: an immutable tree of value
// nodes describing WHAT a query computes, with no notion of shards or
// placement. The planner package lowers logical plans to location-resolved
// execution plans.
//
// Operator sets are closed enums. Names coming off the wire are resolved to
// enum values while decoding and unknown names are rejected there; nothing
// downstream dispatches on strings.
package plan
