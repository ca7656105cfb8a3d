package exec

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/store"
	"github.com/meridiandb/meridian/store/memstore"
)

var execDataset = model.NewDatasetRef("", "exec-test")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedStore holds series "a" and "b" on shard 0, plus a replica slice of
// "a" on shard 1 that overlaps shard 0 at ts 1000 and extends past it.
func seedStore(t *testing.T) *memstore.MemStore {
	t.Helper()
	ms := memstore.New()
	ms.RegisterDataset(execDataset, model.DatasetOptions{
		NumShards:       4,
		LabelColumns:    []string{"series"},
		DataColumns:     []string{"min"},
		ShardKeyColumns: []string{"series"},
	})
	require.NoError(t, ms.IngestRows(execDataset, 0, []memstore.Row{
		{Labels: map[string]string{"series": "a"}, Timestamp: 1000, Values: map[string]float64{"min": 1}},
		{Labels: map[string]string{"series": "a"}, Timestamp: 2000, Values: map[string]float64{"min": 2}},
		{Labels: map[string]string{"series": "b"}, Timestamp: 1500, Values: map[string]float64{"min": 5}},
	}))
	require.NoError(t, ms.IngestRows(execDataset, 1, []memstore.Row{
		{Labels: map[string]string{"series": "a"}, Timestamp: 1000, Values: map[string]float64{"min": 1}},
		{Labels: map[string]string{"series": "a"}, Timestamp: 3000, Values: map[string]float64{"min": 3}},
	}))
	return ms
}

func scanBoth() *MergeSeries {
	tr := model.TimeRange{Start: 0, End: 10000}
	return &MergeSeries{Inputs: []Node{
		&ShardScan{Shard: 0, Column: "min", Range: tr},
		&ShardScan{Shard: 1, Column: "min", Range: tr},
	}}
}

func newPlan(root Node, qctx model.QueryContext) *Plan {
	return &Plan{
		Dataset: execDataset,
		Context: qctx,
		Root:    root,
		Leaves:  CountLeaves(root),
	}
}

func TestRuntimeExecute_MergesAcrossShards(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	res, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
	require.NoError(t, err)

	assert.Equal(t, qctx.QueryID, res.QueryID)
	assert.False(t, res.Partial)
	require.Len(t, res.Vectors, 2)

	// Canonical order, replica overlap deduplicated.
	assert.Equal(t, seriesKey("a"), res.Vectors[0].Key)
	assert.Equal(t, []int64{1000, 2000, 3000}, res.Vectors[0].Timestamps)
	assert.Equal(t, []float64{1, 2, 3}, res.Vectors[0].Values)
	assert.Equal(t, seriesKey("b"), res.Vectors[1].Key)
	assert.Equal(t, []int64{1500}, res.Vectors[1].Timestamps)

	assert.Equal(t, int64(5), res.Stats.RowsScanned)
	assert.Equal(t, int64(3), res.Stats.SeriesScanned)
	assert.Positive(t, res.Stats.ResultBytes)
}

func TestRuntimeExecute_FullPipeline(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	root := &BinaryJoin{
		LHS: &AggregateSeries{
			Op: plan.AggAvg,
			Input: &PeriodicSample{
				Input:       scanBoth(),
				StartMillis: 2000,
				StepMillis:  1000,
				EndMillis:   3000,
			},
		},
		Op:  plan.OpMul,
		RHS: &ScalarFixed{Value: 2},
	}

	res, err := rt.Execute(context.Background(), newPlan(root, qctx), s)
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)

	// At 2000: a=2, b=5, avg 3.5; at 3000: a=3, b=5, avg 4. Times two.
	assert.Empty(t, res.Vectors[0].Key)
	assert.Equal(t, []int64{2000, 3000}, res.Vectors[0].Timestamps)
	assert.Equal(t, []float64{7, 8}, res.Vectors[0].Values)
}

// flakySource fails designated shards and delegates the rest.
type flakySource struct {
	inner store.ChunkSource
	fail  map[int]error
}

func (f *flakySource) ReadChunks(ctx context.Context, ref model.DatasetRef, shard int,
	filters []model.ColumnFilter, columns []string, tr model.TimeRange) iter.Seq2[store.Chunk, error] {
	if err, ok := f.fail[shard]; ok {
		return func(yield func(store.Chunk, error) bool) {
			yield(store.Chunk{}, err)
		}
	}
	return f.inner.ReadChunks(ctx, ref, shard, filters, columns, tr)
}

func TestRuntimeExecute_FailurePolicies(t *testing.T) {
	boom := errors.New("disk detached")
	src := &flakySource{inner: seedStore(t), fail: map[int]error{1: boom}}
	rt := NewRuntime(execDataset, src, WithLogger(discardLogger()))

	t.Run("FailFastByDefault", func(t *testing.T) {
		qctx := model.NewQueryContext()
		s := rt.NewSession(qctx)
		defer s.Close()
		_, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
		require.ErrorIs(t, err, boom)
	})

	t.Run("BestEffortKeepsSurvivors", func(t *testing.T) {
		qctx := model.NewQueryContext()
		qctx.AllowPartial = true
		s := rt.NewSession(qctx)
		defer s.Close()

		res, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
		require.NoError(t, err)
		assert.True(t, res.Partial)
		assert.Contains(t, res.PartialReason, "ShardScan(shard=1)")

		// Only shard 0 contributed: series a has no ts 3000 sample.
		require.Len(t, res.Vectors, 2)
		assert.Equal(t, []int64{1000, 2000}, res.Vectors[0].Timestamps)
	})

	t.Run("AllChildrenLostStillFails", func(t *testing.T) {
		allFail := &flakySource{inner: seedStore(t), fail: map[int]error{0: boom, 1: boom}}
		frt := NewRuntime(execDataset, allFail, WithLogger(discardLogger()))
		qctx := model.NewQueryContext()
		qctx.AllowPartial = true
		s := frt.NewSession(qctx)
		defer s.Close()
		_, err := frt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
		require.ErrorIs(t, err, boom)
	})
}

func TestRuntimeExecute_SkippedShardsMarkPartial(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	p := newPlan(scanBoth(), qctx)
	p.Skipped = []SkippedShard{{Shard: 2, Status: "down"}}

	res, err := rt.Execute(context.Background(), p, s)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Contains(t, res.PartialReason, "shard 2 skipped (down)")
}

func TestRuntimeExecute_DeadlineBecomesTimeout(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	qctx.SubmitTime = time.Now().Add(-time.Minute).UnixMilli()
	qctx.TimeoutMillis = 1000
	s := rt.NewSession(qctx)
	defer s.Close()

	_, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
	require.ErrorIs(t, err, model.ErrQueryTimeout)
	var te *model.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Greater(t, te.Elapsed, time.Duration(0))
}

func TestRuntimeExecute_Limits(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))

	t.Run("SampleLimit", func(t *testing.T) {
		qctx := model.NewQueryContext()
		qctx.SampleLimit = 2
		s := rt.NewSession(qctx)
		defer s.Close()
		_, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
		require.ErrorIs(t, err, model.ErrLimitExceeded)
	})

	t.Run("ResultLimit", func(t *testing.T) {
		qctx := model.NewQueryContext()
		qctx.ResultLimit = 1
		s := rt.NewSession(qctx)
		defer s.Close()
		_, err := rt.Execute(context.Background(), newPlan(scanBoth(), qctx), s)
		require.ErrorIs(t, err, model.ErrLimitExceeded)
	})
}

func TestRuntimeExecute_RejectsDegenerateRoots(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	_, err := rt.Execute(context.Background(), nil, s)
	require.ErrorIs(t, err, model.ErrBadQuery)

	_, err = rt.Execute(context.Background(), newPlan(&ScalarFixed{Value: 1}, qctx), s)
	require.ErrorIs(t, err, model.ErrBadQuery)
}

func TestRuntime_DispatchLoopback(t *testing.T) {
	// Shard 0 lives on this process, shard 1 on the "remote" one. Each
	// side only holds its own data.
	nodeA := model.NodeRef{ID: "node-a"}
	nodeB := model.NodeRef{ID: "node-b"}

	localStore := memstore.New()
	localStore.RegisterDataset(execDataset, model.DatasetOptions{NumShards: 4})
	require.NoError(t, localStore.IngestRows(execDataset, 0, []memstore.Row{
		{Labels: map[string]string{"series": "a"}, Timestamp: 1000, Values: map[string]float64{"min": 1}},
	}))

	remoteStore := memstore.New()
	remoteStore.RegisterDataset(execDataset, model.DatasetOptions{NumShards: 4})
	require.NoError(t, remoteStore.IngestRows(execDataset, 1, []memstore.Row{
		{Labels: map[string]string{"series": "a"}, Timestamp: 2000, Values: map[string]float64{"min": 2}},
	}))

	remoteRT := NewRuntime(execDataset, remoteStore,
		WithLocalNode(nodeB), WithLogger(discardLogger()))
	rt := NewRuntime(execDataset, localStore,
		WithLocalNode(nodeA),
		WithDispatcher(NewLoopback(remoteRT, CompressionZSTD)),
		WithLogger(discardLogger()))

	tr := model.TimeRange{Start: 0, End: 10000}
	root := &MergeSeries{Inputs: []Node{
		&ShardScan{Shard: 0, Owner: nodeA, Column: "min", Range: tr},
		&ShardScan{Shard: 1, Owner: nodeB, Column: "min", Range: tr},
	}}
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	res, err := rt.Execute(context.Background(), newPlan(root, qctx), s)
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
	assert.Equal(t, []int64{1000, 2000}, res.Vectors[0].Timestamps)
	assert.Equal(t, []float64{1, 2}, res.Vectors[0].Values)

	// Remote scan accounting folded into the local session.
	assert.Equal(t, int64(2), res.Stats.RowsScanned)
	assert.Equal(t, int64(2), res.Stats.SeriesScanned)
}

func TestRuntime_DispatchWithoutDispatcher(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t),
		WithLocalNode(model.NodeRef{ID: "node-a"}), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	root := &MergeSeries{Inputs: []Node{
		&ShardScan{Shard: 1, Owner: model.NodeRef{ID: "node-b"}, Column: "min", Range: model.TimeRange{End: 10000}},
	}}
	_, err := rt.Execute(context.Background(), newPlan(root, qctx), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dispatcher")
}

// gateSource tracks how many concurrent iterations are in flight.
type gateSource struct {
	inner store.ChunkSource
	cur   atomic.Int32
	max   atomic.Int32
}

func (g *gateSource) ReadChunks(ctx context.Context, ref model.DatasetRef, shard int,
	filters []model.ColumnFilter, columns []string, tr model.TimeRange) iter.Seq2[store.Chunk, error] {
	inner := g.inner.ReadChunks(ctx, ref, shard, filters, columns, tr)
	return func(yield func(store.Chunk, error) bool) {
		c := g.cur.Add(1)
		for {
			m := g.max.Load()
			if c <= m || g.max.CompareAndSwap(m, c) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		defer g.cur.Add(-1)
		inner(yield)
	}
}

func TestRuntime_FanOutLimit(t *testing.T) {
	src := &gateSource{inner: seedStore(t)}
	rt := NewRuntime(execDataset, src,
		WithConfig(Config{FanOut: 1, MaxBufferBytes: 1 << 20}),
		WithLogger(discardLogger()))

	tr := model.TimeRange{Start: 0, End: 10000}
	root := &MergeSeries{Inputs: []Node{
		&ShardScan{Shard: 0, Column: "min", Range: tr},
		&ShardScan{Shard: 1, Column: "min", Range: tr},
		&ShardScan{Shard: 2, Column: "min", Range: tr},
		&ShardScan{Shard: 3, Column: "min", Range: tr},
	}}
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	_, err := rt.Execute(context.Background(), newPlan(root, qctx), s)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.max.Load())
}

func TestRuntime_Stream(t *testing.T) {
	rt := NewRuntime(execDataset, seedStore(t), WithLogger(discardLogger()))
	qctx := model.NewQueryContext()
	s := rt.NewSession(qctx)
	defer s.Close()

	var keys []string
	for v, err := range rt.Stream(context.Background(), newPlan(scanBoth(), qctx), s) {
		require.NoError(t, err)
		keys = append(keys, v.Key.String())
	}
	assert.Len(t, keys, 2)

	// Errors arrive through the sequence, not a panic.
	bad := rt.NewSession(qctx)
	defer bad.Close()
	var streamErr error
	for _, err := range rt.Stream(context.Background(), newPlan(&ScalarFixed{Value: 1}, qctx), bad) {
		streamErr = err
	}
	require.ErrorIs(t, streamErr, model.ErrBadQuery)
}
