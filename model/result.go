package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ColumnType enumerates result column types.
type ColumnType uint8

const (
	ColumnTimestamp ColumnType = iota
	ColumnDouble
)

// String implements fmt.Stringer.
func (t ColumnType) String() string {
	switch t {
	case ColumnTimestamp:
		return "ts"
	case ColumnDouble:
		return "double"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// ColumnInfo names and types one result column.
type ColumnInfo struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ResultSchema describes the columns of a result stream. Column 0 is always
// the timestamp; further columns carry values. An empty schema is the legal
// shape of an empty result.
type ResultSchema struct {
	Columns []ColumnInfo `json:"columns"`
}

// ValueSchema builds the common (timestamp, <name>) schema.
func ValueSchema(name string) ResultSchema {
	return ResultSchema{Columns: []ColumnInfo{
		{Name: "timestamp", Type: ColumnTimestamp},
		{Name: name, Type: ColumnDouble},
	}}
}

// IsEmpty reports whether the schema declares no columns.
func (s ResultSchema) IsEmpty() bool { return len(s.Columns) == 0 }

// Equal reports whether two schemas declare identical columns.
func (s ResultSchema) Equal(other ResultSchema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if other.Columns[i] != c {
			return false
		}
	}
	return true
}

// RangeVector is an ordered sequence of (timestamp, value) samples for one
// series. Timestamps are strictly increasing.
type RangeVector struct {
	Key        SeriesKey `json:"key"`
	Timestamps []int64   `json:"timestamps"`
	Values     []float64 `json:"values"`
}

// Len returns the number of samples.
func (rv RangeVector) Len() int { return len(rv.Timestamps) }

// Sample returns the i-th (timestamp, value) pair.
func (rv RangeVector) Sample(i int) (int64, float64) {
	return rv.Timestamps[i], rv.Values[i]
}

// QueryContext is the immutable per-query configuration threaded unmodified
// through planning and execution.
type QueryContext struct {
	QueryID       string `json:"queryId"`
	SubmitTime    int64  `json:"submitTime"` // epoch millis
	TimeoutMillis int64  `json:"timeoutMillis"`
	// ShardOverrides, when non-nil, restricts the implicated shard set.
	ShardOverrides []int `json:"shardOverrides,omitempty"`
	// SpreadOverride, when non-nil, replaces the dataset spread resolution.
	SpreadOverride *int   `json:"spreadOverride,omitempty"`
	SampleLimit    int    `json:"sampleLimit"`
	ResultLimit    int    `json:"resultLimit"`
	AllowPartial   bool   `json:"allowPartial,omitempty"`
	QueryText      string `json:"queryText,omitempty"`
}

// Query limits applied when the context leaves them zero.
const (
	DefaultTimeoutMillis = 30_000
	DefaultSampleLimit   = 1_000_000
	DefaultResultLimit   = 100_000
)

// NewQueryContext returns a context with a fresh query ID, the current submit
// time and default limits. Callers adjust fields before submitting.
func NewQueryContext() QueryContext {
	return QueryContext{
		QueryID:       uuid.NewString(),
		SubmitTime:    time.Now().UnixMilli(),
		TimeoutMillis: DefaultTimeoutMillis,
		SampleLimit:   DefaultSampleLimit,
		ResultLimit:   DefaultResultLimit,
	}
}

// Deadline returns the absolute query deadline.
func (q QueryContext) Deadline() time.Time {
	return time.UnixMilli(q.SubmitTime + q.TimeoutMillis)
}

// Elapsed returns the time spent since submission.
func (q QueryContext) Elapsed(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(q.SubmitTime))
}

// Expired reports whether the deadline has passed at now.
func (q QueryContext) Expired(now time.Time) bool {
	return q.Elapsed(now) >= time.Duration(q.TimeoutMillis)*time.Millisecond
}

// QueryStats accumulates per-query execution counters.
type QueryStats struct {
	RowsScanned   int64 `json:"rowsScanned"`
	SeriesScanned int64 `json:"seriesScanned"`
	ResultBytes   int64 `json:"resultBytes"`
	WallNanos     int64 `json:"wallNanos"`
}

// Merge adds other's counters into s. Wall time keeps the maximum since
// sub-plans overlap.
func (s *QueryStats) Merge(other QueryStats) {
	s.RowsScanned += other.RowsScanned
	s.SeriesScanned += other.SeriesScanned
	s.ResultBytes += other.ResultBytes
	if other.WallNanos > s.WallNanos {
		s.WallNanos = other.WallNanos
	}
}

// QueryResult is the successful terminal outcome of one query.
type QueryResult struct {
	QueryID       string        `json:"queryId"`
	Schema        ResultSchema  `json:"schema"`
	Vectors       []RangeVector `json:"vectors"`
	Stats         QueryStats    `json:"stats"`
	Partial       bool          `json:"partial,omitempty"`
	PartialReason string        `json:"partialReason,omitempty"`
}

// QueryError is the failing terminal outcome of one query. It implements
// error and unwraps to its cause so callers can use errors.Is against the
// taxonomy in this package.
type QueryError struct {
	QueryID string
	Stats   QueryStats
	Err     error
}

// Error implements error.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.QueryID, e.Err)
}

// Unwrap returns the cause.
func (e *QueryError) Unwrap() error { return e.Err }
