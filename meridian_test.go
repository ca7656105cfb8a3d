package meridian_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/cluster"
	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/store/memstore"
	"github.com/meridiandb/meridian/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCoordinator wires a single-node cluster, an in-memory store and a
// coordinator on top, torn down with the test.
func newCoordinator(t *testing.T) (*cluster.Manager, *memstore.MemStore, *meridian.Coordinator) {
	t.Helper()
	manager := cluster.NewManager(cluster.WithLogger(discardLogger()))
	require.NoError(t, manager.NodeJoined(model.NodeRef{ID: "node-a"}))
	ms := memstore.New()
	c, err := meridian.NewCoordinator(manager, ms, meridian.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		_ = manager.Close()
	})
	return manager, ms, c
}

// seededCoordinator additionally serves ref over the two-shard fixture
// data, with the first ten rows replicated on both shards.
func seededCoordinator(t *testing.T, ref model.DatasetRef) *meridian.Coordinator {
	t.Helper()
	_, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, ref))
	require.NoError(t, c.SetupDataset(ref, testutil.TwoShardLayout()))
	return c
}

// avgOverSeries averages the named series, resampled onto the instants
// 120000 and 130000.
func avgOverSeries(names ...string) plan.LogicalPlan {
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

func TestCoordinator_QueryEndToEnd(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)

	qctx := model.NewQueryContext()
	res, err := c.Query(context.Background(), ref, avgOverSeries("Series 2", "Series 3", "Series 4"), qctx)
	require.NoError(t, err)

	// At 120000 the newest samples are 13, 14 and 15; at 130000 they are
	// 23, 24 and 25. The replicated shard-1 prefix must not skew the mean.
	require.Len(t, res.Vectors, 1)
	v := res.Vectors[0]
	assert.Empty(t, v.Key)
	assert.Equal(t, []int64{120000, 130000}, v.Timestamps)
	assert.Equal(t, []float64{14, 24}, v.Values)

	assert.Equal(t, qctx.QueryID, res.QueryID)
	assert.Equal(t, model.ValueSchema("min"), res.Schema)
	assert.False(t, res.Partial)
	assert.Equal(t, int64(12), res.Stats.RowsScanned)
}

func TestCoordinator_EmptyMatchIsEmptyResult(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)

	res, err := c.Query(context.Background(), ref, avgOverSeries("Series 99"), model.NewQueryContext())
	require.NoError(t, err)
	assert.True(t, res.Schema.IsEmpty())
	assert.Empty(t, res.Vectors)
	assert.False(t, res.Partial)
}

func TestCoordinator_SubmitDeliversOutcome(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)

	out := <-c.Submit(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
	require.NoError(t, out.Err)
	require.Len(t, out.Result.Vectors, 1)
	assert.Equal(t, []float64{13, 23}, out.Result.Vectors[0].Values)
}

func TestCoordinator_ExecutePlanRoundTrip(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)

	ep, err := c.Explain(ref, avgOverSeries("Series 2", "Series 3", "Series 4"), model.NewQueryContext())
	require.NoError(t, err)

	// Ship the materialized plan through its wire form, as a peer node
	// receiving a dispatched plan would.
	data, err := exec.MarshalPlan(ep)
	require.NoError(t, err)
	decoded, err := exec.UnmarshalPlan(data)
	require.NoError(t, err)

	res, err := c.ExecutePlan(context.Background(), decoded)
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
	assert.Equal(t, []float64{14, 24}, res.Vectors[0].Values)

	t.Run("EmptyPlanRejected", func(t *testing.T) {
		_, err := c.ExecutePlan(context.Background(), nil)
		require.ErrorIs(t, err, model.ErrBadQuery)
	})
}

func TestCoordinator_UnknownDataset(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)
	ghost := model.NewDatasetRef("", "ghost")
	qctx := model.NewQueryContext()

	t.Run("Query", func(t *testing.T) {
		_, err := c.Query(context.Background(), ghost, avgOverSeries("Series 2"), qctx)
		require.ErrorIs(t, err, model.ErrUnknownDataset)
		var qe *model.QueryError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, qctx.QueryID, qe.QueryID)
	})

	t.Run("Submit", func(t *testing.T) {
		ch := c.Submit(context.Background(), ghost, avgOverSeries("Series 2"), qctx)
		out := <-ch
		require.ErrorIs(t, out.Err, model.ErrUnknownDataset)
		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("ControlAndMetadata", func(t *testing.T) {
		_, err := c.Explain(ghost, avgOverSeries("Series 2"), qctx)
		require.ErrorIs(t, err, model.ErrUnknownDataset)
		_, err = c.IndexNames(context.Background(), ghost, 10)
		require.ErrorIs(t, err, model.ErrUnknownDataset)
		_, err = c.Snapshot(ghost)
		require.ErrorIs(t, err, model.ErrUnknownDataset)
		require.ErrorIs(t, c.RestartDataset(ghost), model.ErrUnknownDataset)
	})
}

func TestCoordinator_MetadataSurface(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	c := seededCoordinator(t, ref)

	names, err := c.IndexNames(context.Background(), ref, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"series"}, names)

	// Every fixture value labels exactly one series, so frequencies tie
	// and the order falls back to the value.
	values, err := c.IndexValues(context.Background(), ref, 0, "series", 3)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "Series 0", values[0].Value)
	assert.Equal(t, uint64(1), values[0].Frequency)
	assert.Equal(t, "Series 1", values[1].Value)
	assert.Equal(t, "Series 2", values[2].Value)
}
