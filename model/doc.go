// Package model defines the core value types shared across the Meridian
// query layer.
//
// # Identity Types
//
//   - DatasetRef: namespace-qualified dataset identity
//   - NodeRef: opaque reference to a shard-owning cluster node
//   - SeriesKey: sorted label pairs identifying one time series
//
// # Query Types
//
//   - QueryContext: immutable per-query configuration
//   - QueryResult / QueryError: the two terminal outcomes of a query
//   - RangeVector: ordered (timestamp, value) samples for one series
//   - ResultSchema: column layout of a result stream
//
// The package also carries the error taxonomy (ErrBadQuery, ErrBadArgument,
// ErrWrongNumberOfArgs, ErrUnknownDataset, ErrQueryTimeout and friends); all
// layers wrap these sentinels so callers classify failures with errors.Is.
package model
