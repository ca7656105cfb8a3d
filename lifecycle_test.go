package meridian_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/cluster"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/testutil"
)

func TestCoordinator_SetupServeTeardown(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	manager, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, ref))

	require.NoError(t, c.SetupDataset(ref, testutil.TwoShardLayout()))
	assert.Equal(t, []model.DatasetRef{ref}, c.Datasets())
	assert.Equal(t, []model.DatasetRef{ref}, manager.Datasets())

	err := c.SetupDataset(ref, testutil.TwoShardLayout())
	require.ErrorIs(t, err, cluster.ErrDatasetExists)

	require.NoError(t, c.TeardownDataset(ref))
	assert.Empty(t, c.Datasets())
	assert.Empty(t, manager.Datasets())

	_, err = c.Query(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
	require.ErrorIs(t, err, model.ErrUnknownDataset)
	require.ErrorIs(t, c.TeardownDataset(ref), model.ErrUnknownDataset)
}

func TestCoordinator_ServeDataset(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	manager, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, ref))

	// The dataset exists on the authority but is not yet served here.
	require.NoError(t, manager.SetupDataset(ref, testutil.TwoShardLayout()))
	_, err := c.Query(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
	require.ErrorIs(t, err, model.ErrUnknownDataset)

	require.NoError(t, c.ServeDataset(ref))
	res, err := c.Query(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)

	require.ErrorIs(t, c.ServeDataset(ref), cluster.ErrDatasetExists)
	require.ErrorIs(t, c.ServeDataset(model.NewDatasetRef("", "ghost")), model.ErrUnknownDataset)
}

func TestCoordinator_FollowsAssignmentEvents(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	manager, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, ref))
	require.NoError(t, c.SetupDataset(ref, testutil.TwoShardLayout()))

	lp := avgOverSeries("Series 2")
	_, err := c.Query(context.Background(), ref, lp, model.NewQueryContext())
	require.NoError(t, err)

	// The only node leaving takes every shard down; the local table
	// follows through the subscription.
	require.NoError(t, manager.NodeLeft("node-a"))
	require.Eventually(t, func() bool {
		snap, err := c.Snapshot(ref)
		return err == nil && snap.NumAssignedShards() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = c.Query(context.Background(), ref, lp, model.NewQueryContext())
	require.ErrorIs(t, err, model.ErrShardUnavailable)

	// A replacement node picks the shards back up.
	require.NoError(t, manager.NodeJoined(model.NodeRef{ID: "node-b"}))
	require.Eventually(t, func() bool {
		snap, err := c.Snapshot(ref)
		return err == nil && snap.NumAssignedShards() == 2
	}, time.Second, 5*time.Millisecond)

	res, err := c.Query(context.Background(), ref, lp, model.NewQueryContext())
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
}

func TestCoordinator_RestartDatasetIsIsolated(t *testing.T) {
	refA := model.NewDatasetRef("", "metrics-a")
	refB := model.NewDatasetRef("", "metrics-b")
	_, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, refA))
	require.NoError(t, testutil.SeedTwoShards(ms, refB))
	require.NoError(t, c.SetupDataset(refA, testutil.TwoShardLayout()))
	require.NoError(t, c.SetupDataset(refB, testutil.TwoShardLayout()))

	require.NoError(t, c.RestartDataset(refA))

	for _, ref := range []model.DatasetRef{refA, refB} {
		res, err := c.Query(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
		require.NoError(t, err)
		require.Len(t, res.Vectors, 1)
	}
}

func TestCoordinator_TeardownLeavesOthersServing(t *testing.T) {
	refA := model.NewDatasetRef("", "metrics-a")
	refB := model.NewDatasetRef("", "metrics-b")
	_, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, refA))
	require.NoError(t, testutil.SeedTwoShards(ms, refB))
	require.NoError(t, c.SetupDataset(refA, testutil.TwoShardLayout()))
	require.NoError(t, c.SetupDataset(refB, testutil.TwoShardLayout()))

	require.NoError(t, c.TeardownDataset(refA))

	_, err := c.Query(context.Background(), refA, avgOverSeries("Series 2"), model.NewQueryContext())
	require.ErrorIs(t, err, model.ErrUnknownDataset)
	res, err := c.Query(context.Background(), refB, avgOverSeries("Series 2"), model.NewQueryContext())
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	ref := model.NewDatasetRef("", "metrics")
	manager, ms, c := newCoordinator(t)
	require.NoError(t, testutil.SeedTwoShards(ms, ref))
	require.NoError(t, c.SetupDataset(ref, testutil.TwoShardLayout()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, c.Datasets())

	_, err := c.Query(context.Background(), ref, avgOverSeries("Series 2"), model.NewQueryContext())
	require.ErrorIs(t, err, meridian.ErrCoordinatorClosed)
	require.ErrorIs(t, c.TeardownDataset(ref), meridian.ErrCoordinatorClosed)

	// Setup after close registers nothing: the authority-side create is
	// rolled back when local serving is refused.
	other := model.NewDatasetRef("", "late")
	require.ErrorIs(t, c.SetupDataset(other, testutil.TwoShardLayout()), meridian.ErrCoordinatorClosed)
	assert.NotContains(t, manager.Datasets(), other)

	// Closing this node never deletes authority state.
	assert.Contains(t, manager.Datasets(), ref)
}
