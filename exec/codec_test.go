package exec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
)

func TestBlockCodecRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("timeseries"), 200)
	types := []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD}
	for _, ct := range types {
		block, err := encodeBlock(compressible, ct)
		require.NoError(t, err)
		got, err := decodeBlock(block)
		require.NoError(t, err)
		assert.Equal(t, compressible, got, "compression %d", ct)
	}

	// Compressed encodings should actually shrink a repetitive payload.
	lz4Block, err := encodeBlock(compressible, CompressionLZ4)
	require.NoError(t, err)
	assert.Less(t, len(lz4Block), len(compressible))
}

func TestBlockCodecIncompressiblePayload(t *testing.T) {
	// A short high-entropy payload is stored raw under every codec.
	payload := []byte{0x01, 0xfe, 0x42, 0x99, 0x37}
	for _, ct := range []CompressionType{CompressionLZ4, CompressionZSTD} {
		block, err := encodeBlock(payload, ct)
		require.NoError(t, err)
		got, err := decodeBlock(block)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestBlockCodecRejectsGarbage(t *testing.T) {
	_, err := decodeBlock([]byte{1, 2, 3})
	require.ErrorIs(t, err, errShortBlock)

	_, err = encodeBlock([]byte("x"), CompressionType(9))
	require.Error(t, err)
}

func sampleTree() Node {
	return &BinaryJoin{
		LHS: &AggregateSeries{
			Op: plan.AggAvg,
			Input: &PeriodicSample{
				Input: &MergeSeries{Inputs: []Node{
					&ShardScan{
						Shard:   0,
						Filters: []model.ColumnFilter{{Column: "series", Op: model.FilterIn, Values: []string{"Series 2", "Series 3"}}},
						Column:  "min",
						Range:   model.TimeRange{Start: 0, End: 130000},
					},
					&ShardScan{
						Shard:  1,
						Owner:  model.NodeRef{ID: "node-b", Addr: "10.0.0.2:9042"},
						Column: "min",
						Range:  model.TimeRange{Start: 0, End: 130000},
					},
				}},
				StartMillis: 120000,
				StepMillis:  10000,
				EndMillis:   130000,
			},
		},
		Op:  plan.OpMul,
		RHS: &ScalarFixed{Value: 2},
	}
}

func TestNodeWireRoundTrip(t *testing.T) {
	root := sampleTree()
	data, err := MarshalNode(root)
	require.NoError(t, err)

	back, err := UnmarshalNode(data)
	require.NoError(t, err)
	require.Equal(t, root, back)
	assert.Equal(t, 2, CountLeaves(back))
}

func TestNodeWireRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalNode([]byte(`{"kind":"TopKSeries","spec":{}}`))
	require.ErrorIs(t, err, model.ErrBadQuery)

	_, err = UnmarshalNode([]byte(`not json`))
	require.ErrorIs(t, err, model.ErrBadQuery)
}

func TestPlanWireRoundTrip(t *testing.T) {
	qctx := model.NewQueryContext()
	qctx.ShardOverrides = []int{0, 1}
	p := &Plan{
		Dataset: model.NewDatasetRef("metrics", "cpu"),
		Context: qctx,
		Root:    sampleTree(),
		Skipped: []SkippedShard{{Shard: 3, Status: "down"}},
		Leaves:  99, // deliberately wrong; decode recomputes
	}

	data, err := MarshalPlan(p)
	require.NoError(t, err)
	back, err := UnmarshalPlan(data)
	require.NoError(t, err)

	assert.Equal(t, p.Dataset, back.Dataset)
	assert.Equal(t, p.Context, back.Context)
	assert.Equal(t, p.Root, back.Root)
	assert.Equal(t, p.Skipped, back.Skipped)
	assert.Equal(t, 2, back.Leaves)
}

func TestDispatchWireRoundTrip(t *testing.T) {
	req := &DispatchRequest{
		Dataset: model.NewDatasetRef("", "cpu"),
		Context: model.NewQueryContext(),
		Root: &ShardScan{
			Shard:  1,
			Owner:  model.NodeRef{ID: "node-b"},
			Column: "min",
			Range:  model.TimeRange{Start: 1000, End: 2000},
		},
	}
	for _, ct := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		payload, err := EncodeRequest(req, ct)
		require.NoError(t, err)
		back, err := DecodeRequest(payload)
		require.NoError(t, err)
		assert.Equal(t, req, back)
	}

	reply := &DispatchReply{
		Frame: Frame{
			Schema: model.ValueSchema("min"),
			Vectors: []model.RangeVector{
				{Key: seriesKey("a"), Timestamps: []int64{1000, 2000}, Values: []float64{1, 2}},
			},
		},
		Stats:         model.QueryStats{RowsScanned: 2, SeriesScanned: 1, WallNanos: 500},
		Partial:       true,
		PartialReason: "shard 2 skipped (down)",
	}
	payload, err := EncodeReply(reply, CompressionZSTD)
	require.NoError(t, err)
	back, err := DecodeReply(payload)
	require.NoError(t, err)
	assert.Equal(t, reply, back)
}
