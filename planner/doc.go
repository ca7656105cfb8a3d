// Package planner turns logical query plans into location-resolved
// execution plans.
//
// Materialization is a pure function of the logical plan, the query
// context and one shard-table snapshot taken at entry: no I/O, nothing
// shared is mutated, and an error leaves no state behind. A raw series
// read expands to one scan leaf per implicated shard, all under a single
// local merge; sampling, aggregation, joins and functions lower to nodes
// above that merge and always run locally.
package planner
