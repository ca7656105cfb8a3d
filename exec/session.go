package exec

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridiandb/meridian/model"
)

// maxPartialReasons caps how many degradation reasons a session keeps;
// later ones only bump the partial flag.
const maxPartialReasons = 8

// Session tracks the lifetime of one query execution: scan statistics,
// result-buffer reservations against the runtime's shared governor, and
// the partial-result state. Sessions are safe for concurrent use by the
// node goroutines of one plan.
//
// Close releases all reservations exactly once; further calls are no-ops.
type Session struct {
	qctx  model.QueryContext
	mem   *semaphore.Weighted // shared with the runtime; nil = untracked
	start time.Time

	rows     atomic.Int64
	series   atomic.Int64
	resBytes atomic.Int64
	partial  atomic.Bool

	mu       sync.Mutex
	reserved int64
	reasons  []string
	closed   bool
	wall     time.Duration
}

func newSession(qctx model.QueryContext, mem *semaphore.Weighted) *Session {
	return &Session{qctx: qctx, mem: mem, start: time.Now()}
}

// Context returns the immutable query context this session runs under.
func (s *Session) Context() model.QueryContext { return s.qctx }

// ReserveBuffer reserves n bytes of result-buffer budget, blocking while
// the shared governor is exhausted. Reservations are held until Close, so
// a budget smaller than one query's working set shows up as deadline
// pressure rather than an immediate error.
func (s *Session) ReserveBuffer(ctx context.Context, n int64) error {
	if n <= 0 || s.mem == nil {
		return nil
	}
	if err := s.mem.Acquire(ctx, n); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.mem.Release(n)
		return nil
	}
	s.reserved += n
	s.mu.Unlock()
	return nil
}

// AddRows adds scanned sample rows to the session accounting.
func (s *Session) AddRows(n int64) { s.rows.Add(n) }

// AddSeries adds scanned series to the session accounting.
func (s *Session) AddSeries(n int64) { s.series.Add(n) }

// AddResultBytes adds materialized result bytes to the session accounting.
func (s *Session) AddResultBytes(n int64) { s.resBytes.Add(n) }

// RowsScanned returns the rows scanned so far across all shards.
func (s *Session) RowsScanned() int64 { return s.rows.Load() }

// MergeStats folds scan counters reported by a remote executor into this
// session. Result bytes are excluded: the reply frame is re-reserved
// against the local governor when it lands.
func (s *Session) MergeStats(st model.QueryStats) {
	s.rows.Add(st.RowsScanned)
	s.series.Add(st.SeriesScanned)
}

// MarkPartial flags the result as partial, recording reason when given.
func (s *Session) MarkPartial(reason string) {
	s.partial.Store(true)
	if reason == "" {
		return
	}
	s.mu.Lock()
	if len(s.reasons) < maxPartialReasons {
		s.reasons = append(s.reasons, reason)
	}
	s.mu.Unlock()
}

// Partial reports whether any input was dropped.
func (s *Session) Partial() bool { return s.partial.Load() }

// PartialReason joins the recorded degradation reasons.
func (s *Session) PartialReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.reasons, "; ")
}

// Stats snapshots the accumulated query statistics. After Close the wall
// time stays frozen at its closing value.
func (s *Session) Stats() model.QueryStats {
	s.mu.Lock()
	wall := s.wall
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		wall = time.Since(s.start)
	}
	return model.QueryStats{
		RowsScanned:   s.rows.Load(),
		SeriesScanned: s.series.Load(),
		ResultBytes:   s.resBytes.Load(),
		WallNanos:     wall.Nanoseconds(),
	}
}

// Close releases buffer reservations back to the shared governor and
// freezes the wall clock. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.wall = time.Since(s.start)
	n := s.reserved
	s.reserved = 0
	s.mu.Unlock()
	if n > 0 && s.mem != nil {
		s.mem.Release(n)
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
