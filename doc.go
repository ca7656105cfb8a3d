// Package meridian provides the distributed query-coordination layer of
// the Meridian sharded time-series store.
//
// A Coordinator follows shard assignments from a cluster.Manager, keeps
// one query orchestrator per served dataset and routes requests by
// dataset reference. Logical plans are materialized against a single
// immutable shard-table snapshot, executed with bounded fan-out across
// the implicated shards and merged into range vectors, with partial
// results available on request when shards are down.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	manager := cluster.NewManager()
//	_ = manager.NodeJoined(model.NodeRef{ID: "node-a"})
//
//	st := memstore.New()
//	c, _ := meridian.NewCoordinator(manager, st)
//	defer c.Close()
//
//	ref := model.NewDatasetRef("", "metrics")
//	_ = c.SetupDataset(ref, model.DatasetOptions{
//	    NumShards:       4,
//	    LabelColumns:    []string{"series", "host"},
//	    DataColumns:     []string{"min", "max"},
//	    ShardKeyColumns: []string{"series"},
//	})
//
//	lp := &plan.Aggregate{
//	    Op: plan.AggAvg,
//	    Child: &plan.PeriodicSeries{
//	        Child:       &plan.RawSeries{Columns: []string{"min"}},
//	        StartMillis: 120000,
//	        StepMillis:  10000,
//	        EndMillis:   130000,
//	    },
//	}
//	res, err := c.NewQuery(ref, lp).
//	    Timeout(10 * time.Second).
//	    AllowPartial().
//	    Execute(ctx)
//
// # Key Capabilities
//
//   - Shard routing from filter-pinned shard-key hashes, intersected
//     with explicit shard overrides, with scatter as the fallback
//   - Replication spread expansion (per-query, per-key-prefix or
//     dataset default)
//   - Fail-fast or best-effort partial results, chosen per query
//   - Deadline enforcement before planning, admission and dispatch
//   - Per-dataset worker pools isolated from the control plane, with
//     deterministic restart semantics
//   - Metadata queries: index names, value frequencies and top-k
//     shard-key cardinality
//   - Execution-plan JSON transport with zstd/lz4 frame compression for
//     cross-node dispatch
package meridian
