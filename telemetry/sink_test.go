package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicSink(t *testing.T) {
	var s BasicSink

	s.RecordQuery("d", 10*time.Millisecond, nil, false)
	s.RecordQuery("d", 30*time.Millisecond, nil, true)
	s.RecordQuery("d", 20*time.Millisecond, errors.New("boom"), false)
	s.RecordPlan("d", 4, time.Millisecond, nil)
	s.RecordPlan("d", 0, time.Millisecond, errors.New("bad"))
	s.RecordDispatch("d", false, time.Millisecond, nil)
	s.RecordDispatch("d", true, time.Millisecond, errors.New("down"))
	s.RecordReject("d")

	stats := s.GetStats()
	assert.Equal(t, int64(3), stats.QueryCount)
	assert.Equal(t, int64(1), stats.QueryErrors)
	assert.Equal(t, int64(1), stats.QueryPartials)
	assert.Equal(t, int64(20*time.Millisecond), stats.QueryAvgNanos)
	assert.Equal(t, int64(2), stats.PlanCount)
	assert.Equal(t, int64(1), stats.PlanErrors)
	assert.Equal(t, int64(4), stats.PlanLeaves)
	assert.Equal(t, int64(2), stats.DispatchCount)
	assert.Equal(t, int64(1), stats.DispatchRemote)
	assert.Equal(t, int64(1), stats.DispatchErrors)
	assert.Equal(t, int64(1), stats.Rejects)
}

func TestPromSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromSink(reg)

	s.RecordQuery("test/metrics", 5*time.Millisecond, nil, false)
	s.RecordQuery("test/metrics", 5*time.Millisecond, errors.New("boom"), false)
	s.RecordPlan("test/metrics", 2, time.Millisecond, nil)
	s.RecordDispatch("test/metrics", true, time.Millisecond, nil)
	s.RecordReject("test/metrics")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meridian_queries_total"])
	assert.True(t, names["meridian_query_duration_seconds"])
	assert.True(t, names["meridian_plans_total"])
	assert.True(t, names["meridian_plan_leaves"])
	assert.True(t, names["meridian_dispatches_total"])
	assert.True(t, names["meridian_admission_rejects_total"])

	assert.Equal(t, float64(1), testutil.ToFloat64(
		s.queriesTotal.WithLabelValues("test/metrics", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		s.queriesTotal.WithLabelValues("test/metrics", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		s.rejectsTotal.WithLabelValues("test/metrics")))
}

// Sink implementations must stay interchangeable.
var (
	_ Sink = NoopSink{}
	_ Sink = (*BasicSink)(nil)
	_ Sink = (*PromSink)(nil)
)
