// Package exec runs materialized execution plans. A plan is a tree of
// operator nodes bound to concrete shards and owner nodes; the Runtime
// walks it, scanning shards concurrently under a fan-out limit, merging
// the per-shard series and applying the local transforms above the merge.
//
// MergeSeries is the only cross-shard barrier: shard spread replicates
// series across shards, so duplicate samples must be deduplicated by
// series key and timestamp before any sampling or aggregation sees them.
//
// Subtrees owned by other cluster nodes travel through a Dispatcher.
// Loopback is the in-process implementation; it still round-trips
// requests and replies through the wire codec so single-process
// deployments exercise the same path a networked transport would.
package exec
