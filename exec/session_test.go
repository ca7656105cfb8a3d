package exec

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/model"
)

func TestSession_ReserveBuffer(t *testing.T) {
	rt := NewRuntime(model.NewDatasetRef("", "sess"), nil,
		WithConfig(Config{MaxBufferBytes: 100}))

	s1 := rt.NewSession(model.NewQueryContext())
	require.NoError(t, s1.ReserveBuffer(context.Background(), 80))

	s2 := rt.NewSession(model.NewQueryContext())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s2.ReserveBuffer(ctx, 80)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Closing the first session frees its budget for the second.
	s1.Close()
	require.NoError(t, s2.ReserveBuffer(context.Background(), 80))
	s2.Close()
}

func TestSession_CloseIdempotent(t *testing.T) {
	rt := NewRuntime(model.NewDatasetRef("", "sess"), nil,
		WithConfig(Config{MaxBufferBytes: 64}))

	s := rt.NewSession(model.NewQueryContext())
	require.NoError(t, s.ReserveBuffer(context.Background(), 64))

	s.Close()
	s.Close()
	assert.True(t, s.Closed())

	// A second release would panic the weighted semaphore; a fresh
	// session acquiring the full budget proves exactly one happened.
	s2 := rt.NewSession(model.NewQueryContext())
	require.NoError(t, s2.ReserveBuffer(context.Background(), 64))
	s2.Close()
}

func TestSession_ReserveAfterClose(t *testing.T) {
	rt := NewRuntime(model.NewDatasetRef("", "sess"), nil,
		WithConfig(Config{MaxBufferBytes: 64}))

	s := rt.NewSession(model.NewQueryContext())
	s.Close()
	require.NoError(t, s.ReserveBuffer(context.Background(), 64))

	// The late reservation was handed straight back.
	s2 := rt.NewSession(model.NewQueryContext())
	require.NoError(t, s2.ReserveBuffer(context.Background(), 64))
	s2.Close()
}

func TestSession_StatsFreezeOnClose(t *testing.T) {
	s := newSession(model.NewQueryContext(), nil)
	s.AddRows(5)
	s.AddSeries(2)
	s.AddResultBytes(128)
	s.Close()

	st := s.Stats()
	assert.Equal(t, int64(5), st.RowsScanned)
	assert.Equal(t, int64(2), st.SeriesScanned)
	assert.Equal(t, int64(128), st.ResultBytes)

	frozen := st.WallNanos
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, frozen, s.Stats().WallNanos)
}

func TestSession_PartialReasons(t *testing.T) {
	s := newSession(model.NewQueryContext(), nil)
	assert.False(t, s.Partial())
	assert.Empty(t, s.PartialReason())

	s.MarkPartial("shard 3 skipped (down)")
	s.MarkPartial("") // flag only
	for i := 0; i < 20; i++ {
		s.MarkPartial(fmt.Sprintf("extra %d", i))
	}

	assert.True(t, s.Partial())
	reason := s.PartialReason()
	assert.Contains(t, reason, "shard 3 skipped (down)")
	assert.Equal(t, maxPartialReasons, strings.Count(reason, "; ")+1)
}

func TestSession_MergeStats(t *testing.T) {
	s := newSession(model.NewQueryContext(), nil)
	s.MergeStats(model.QueryStats{RowsScanned: 10, SeriesScanned: 3, ResultBytes: 999})

	st := s.Stats()
	assert.Equal(t, int64(10), st.RowsScanned)
	assert.Equal(t, int64(3), st.SeriesScanned)
	// Transported frames are re-reserved locally, not double counted.
	assert.Zero(t, st.ResultBytes)
}
