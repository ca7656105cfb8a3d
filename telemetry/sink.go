package telemetry

import (
	"sync/atomic"
	"time"
)

// Sink receives operational signals from the query path. Implementations
// must be safe for concurrent use and must not block.
type Sink interface {
	// RecordQuery is called once per query with the terminal outcome.
	RecordQuery(dataset string, duration time.Duration, err error, partial bool)

	// RecordPlan is called after each plan materialization. leaves is the
	// number of per-shard sub-plans produced.
	RecordPlan(dataset string, leaves int, duration time.Duration, err error)

	// RecordDispatch is called after each child sub-plan completes.
	RecordDispatch(dataset string, remote bool, duration time.Duration, err error)

	// RecordReject is called when admission control turns a query away.
	RecordReject(dataset string)
}

// NoopSink discards all signals. Use it when telemetry is not needed.
type NoopSink struct{}

func (NoopSink) RecordQuery(string, time.Duration, error, bool)    {}
func (NoopSink) RecordPlan(string, int, time.Duration, error)      {}
func (NoopSink) RecordDispatch(string, bool, time.Duration, error) {}
func (NoopSink) RecordReject(string)                               {}

// BasicSink keeps simple in-memory counters. Useful for debugging and tests
// without an external monitoring system.
type BasicSink struct {
	QueryCount      atomic.Int64
	QueryErrors     atomic.Int64
	QueryPartials   atomic.Int64
	QueryTotalNanos atomic.Int64
	PlanCount       atomic.Int64
	PlanErrors      atomic.Int64
	PlanLeaves      atomic.Int64
	DispatchCount   atomic.Int64
	DispatchRemote  atomic.Int64
	DispatchErrors  atomic.Int64
	Rejects         atomic.Int64
}

// RecordQuery implements Sink.
func (b *BasicSink) RecordQuery(_ string, duration time.Duration, err error, partial bool) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
	if partial {
		b.QueryPartials.Add(1)
	}
}

// RecordPlan implements Sink.
func (b *BasicSink) RecordPlan(_ string, leaves int, _ time.Duration, err error) {
	b.PlanCount.Add(1)
	b.PlanLeaves.Add(int64(leaves))
	if err != nil {
		b.PlanErrors.Add(1)
	}
}

// RecordDispatch implements Sink.
func (b *BasicSink) RecordDispatch(_ string, remote bool, _ time.Duration, err error) {
	b.DispatchCount.Add(1)
	if remote {
		b.DispatchRemote.Add(1)
	}
	if err != nil {
		b.DispatchErrors.Add(1)
	}
}

// RecordReject implements Sink.
func (b *BasicSink) RecordReject(string) {
	b.Rejects.Add(1)
}

// Stats is a snapshot of BasicSink state.
type Stats struct {
	QueryCount     int64
	QueryErrors    int64
	QueryPartials  int64
	QueryAvgNanos  int64
	PlanCount      int64
	PlanErrors     int64
	PlanLeaves     int64
	DispatchCount  int64
	DispatchRemote int64
	DispatchErrors int64
	Rejects        int64
}

// GetStats returns a snapshot of current counters.
func (b *BasicSink) GetStats() Stats {
	s := Stats{
		QueryCount:     b.QueryCount.Load(),
		QueryErrors:    b.QueryErrors.Load(),
		QueryPartials:  b.QueryPartials.Load(),
		PlanCount:      b.PlanCount.Load(),
		PlanErrors:     b.PlanErrors.Load(),
		PlanLeaves:     b.PlanLeaves.Load(),
		DispatchCount:  b.DispatchCount.Load(),
		DispatchRemote: b.DispatchRemote.Load(),
		DispatchErrors: b.DispatchErrors.Load(),
		Rejects:        b.Rejects.Load(),
	}
	if s.QueryCount > 0 {
		s.QueryAvgNanos = b.QueryTotalNanos.Load() / s.QueryCount
	}
	return s
}
