// Package shard tracks where a dataset's shards live and what state they are
// in.
//
// A Table holds one fixed-size slot per shard. Writers mutate it only by
// applying Events, each carrying a per-shard monotonic sequence number, so
// duplicate or stale deliveries are no-ops. Readers, most importantly the
// query planner, take an immutable Snapshot and never observe partial
// updates.
//
// The package also owns shard-key hashing: KeyHash maps the shard-key column
// values of a series to a 64-bit hash, and ShardsForKeyHash expands that hash
// into the 2^spread shards the series may live on.
package shard
