package meridian_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/cluster"
	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/query"
	"github.com/meridiandb/meridian/store/memstore"
	"github.com/meridiandb/meridian/telemetry"
	"github.com/meridiandb/meridian/testutil"
)

// ringDispatcher routes dispatch requests to the runtime registered for
// the target node. Every hop round-trips through the wire codec, so the
// in-process cluster exercises the same path a networked one would.
type ringDispatcher struct {
	mu    sync.Mutex
	peers map[string]*exec.Loopback
}

func newRingDispatcher() *ringDispatcher {
	return &ringDispatcher{peers: make(map[string]*exec.Loopback)}
}

func (d *ringDispatcher) register(id string, rt *exec.Runtime, ct exec.CompressionType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[id] = exec.NewLoopback(rt, ct)
}

func (d *ringDispatcher) drop(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

func (d *ringDispatcher) Dispatch(ctx context.Context, target model.NodeRef, req *exec.DispatchRequest) (*exec.DispatchReply, error) {
	d.mu.Lock()
	peer, ok := d.peers[target.ID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node %s unreachable", target.ID)
	}
	return peer.Dispatch(ctx, target, req)
}

// twoNodeCluster is an in-process two-node deployment of one dataset:
// each node runs its own coordinator over its own store and reaches the
// peer through the ring dispatcher.
type twoNodeCluster struct {
	manager *cluster.Manager
	disp    *ringDispatcher
	ref     model.DatasetRef
	coords  map[string]*meridian.Coordinator
	stores  map[string]*memstore.MemStore
	sinks   map[string]*telemetry.BasicSink
	owners  map[int]string // shard id -> owning node id
}

func newTwoNodeCluster(t *testing.T, ct exec.CompressionType) *twoNodeCluster {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc := &twoNodeCluster{
		manager: cluster.NewManager(cluster.WithLogger(logger)),
		disp:    newRingDispatcher(),
		ref:     model.NewDatasetRef("", "spread"),
		coords:  make(map[string]*meridian.Coordinator),
		stores:  make(map[string]*memstore.MemStore),
		sinks:   make(map[string]*telemetry.BasicSink),
		owners:  make(map[int]string),
	}
	t.Cleanup(func() { _ = tc.manager.Close() })

	nodes := []string{"node-a", "node-b"}
	for _, id := range nodes {
		require.NoError(t, tc.manager.NodeJoined(model.NodeRef{ID: id}))
	}

	layout := testutil.TwoShardLayout()
	for i, id := range nodes {
		ms := memstore.New()
		ms.RegisterDataset(tc.ref, layout)
		sink := &telemetry.BasicSink{}
		c, err := meridian.NewCoordinator(tc.manager, ms,
			meridian.WithLogger(logger), meridian.WithSink(sink))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		execOpts := query.WithExecOptions(
			exec.WithLocalNode(model.NodeRef{ID: id}),
			exec.WithDispatcher(tc.disp),
			exec.WithConfig(exec.Config{Compression: ct}),
		)
		if i == 0 {
			require.NoError(t, c.SetupDataset(tc.ref, layout, execOpts))
		} else {
			require.NoError(t, c.ServeDataset(tc.ref, execOpts))
		}

		rt, err := c.Runtime(tc.ref)
		require.NoError(t, err)
		tc.disp.register(id, rt, ct)
		tc.coords[id] = c
		tc.stores[id] = ms
		tc.sinks[id] = sink
	}

	// Ingest each shard's rows on the node that owns it: the full ramp
	// behind shard 0, the replicated prefix behind shard 1.
	snap, err := tc.coords[nodes[0]].Snapshot(tc.ref)
	require.NoError(t, err)
	rows := testutil.LinearRows(30)
	for id, shardRows := range map[int][]memstore.Row{0: rows, 1: rows[:10]} {
		owner, ok := snap.CoordForShard(id)
		require.True(t, ok)
		tc.owners[id] = owner.ID
		require.NoError(t, tc.stores[owner.ID].IngestRows(tc.ref, id, shardRows))
	}
	require.NotEqual(t, tc.owners[0], tc.owners[1], "placement should spread the shards")
	return tc
}

func rampAvg(names ...string) plan.LogicalPlan {
	return &plan.Aggregate{
		Op: plan.AggAvg,
		Child: &plan.PeriodicSeries{
			Child: &plan.RawSeries{
				Filters: []model.ColumnFilter{{Column: "series", Op: model.FilterIn, Values: names}},
				Columns: []string{"min"},
			},
			StartMillis: 120000,
			StepMillis:  10000,
			EndMillis:   130000,
		},
	}
}

func TestTwoNodeDispatch(t *testing.T) {
	compressions := map[string]exec.CompressionType{
		"none": exec.CompressionNone,
		"lz4":  exec.CompressionLZ4,
		"zstd": exec.CompressionZSTD,
	}
	for name, ct := range compressions {
		t.Run(name, func(t *testing.T) {
			tc := newTwoNodeCluster(t, ct)
			lp := rampAvg("Series 2", "Series 3", "Series 4")

			// Both nodes must agree on the answer; each executes one
			// shard locally and fetches the other from its peer.
			for id, c := range tc.coords {
				res, err := c.Query(context.Background(), tc.ref, lp, model.NewQueryContext())
				require.NoError(t, err, "query via %s", id)
				require.Len(t, res.Vectors, 1)
				assert.Equal(t, []int64{120000, 130000}, res.Vectors[0].Timestamps)
				assert.Equal(t, []float64{14, 24}, res.Vectors[0].Values)
				assert.False(t, res.Partial)
				assert.Equal(t, int64(12), res.Stats.RowsScanned, "remote stats merge into the session")
			}

			for id, sink := range tc.sinks {
				stats := sink.GetStats()
				assert.Equal(t, int64(2), stats.DispatchCount, "node %s", id)
				assert.Equal(t, int64(1), stats.DispatchRemote, "node %s", id)
			}
		})
	}
}

func TestTwoNodeDispatch_PeerLoss(t *testing.T) {
	tc := newTwoNodeCluster(t, exec.CompressionNone)

	// Query from the node holding the full ramp; its peer, holding only
	// the replicated prefix, goes unreachable.
	local := tc.owners[0]
	tc.disp.drop(tc.owners[1])
	lp := rampAvg("Series 2", "Series 3", "Series 4")

	t.Run("StrictFails", func(t *testing.T) {
		_, err := tc.coords[local].Query(context.Background(), tc.ref, lp, model.NewQueryContext())
		require.Error(t, err)
		assert.ErrorContains(t, err, "unreachable")
	})

	t.Run("PartialWhenAllowed", func(t *testing.T) {
		qctx := model.NewQueryContext()
		qctx.AllowPartial = true
		res, err := tc.coords[local].Query(context.Background(), tc.ref, lp, qctx)
		require.NoError(t, err)
		assert.True(t, res.Partial)
		assert.Contains(t, res.PartialReason, "unreachable")

		// Shard 1 only mirrored samples shard 0 already holds, so the
		// surviving shard still yields the complete answer.
		require.Len(t, res.Vectors, 1)
		assert.Equal(t, []float64{14, 24}, res.Vectors[0].Values)
	})
}
