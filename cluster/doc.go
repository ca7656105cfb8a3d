// Package cluster owns shard placement: which node each shard of each
// dataset lives on, and the event stream that tells everyone else about it.
//
// Manager is the authority. It registers nodes, creates a shard table per
// dataset, places shards through a pluggable PlacementStrategy, and mints
// the per-shard sequence numbers that make event delivery idempotent.
// Consumers Subscribe to a dataset and receive exactly one full snapshot
// followed by in-order events; a subscriber that falls behind is
// resynchronized with a fresh snapshot instead of blocking the manager.
package cluster
