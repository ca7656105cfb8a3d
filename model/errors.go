package model

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for planning and execution. Errors are produced by wrapping
// one of these sentinels with fmt.Errorf("%w: ...") so call sites classify
// with errors.Is while messages keep their detail.
var (
	// ErrBadQuery marks a malformed or unsupported plan construct.
	ErrBadQuery = errors.New("bad query")
	// ErrBadArgument marks an invalid function argument or filter value.
	ErrBadArgument = errors.New("bad argument")
	// ErrWrongNumberOfArgs marks a function arity mismatch.
	ErrWrongNumberOfArgs = errors.New("wrong number of arguments")
	// ErrUnknownDataset marks a query against a dataset with no shard table.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrQueryTimeout marks a deadline overrun; concrete values are
	// *TimeoutError carrying the elapsed time.
	ErrQueryTimeout = errors.New("query timeout")
	// ErrShardUnavailable marks an implicated shard that is not queryable.
	ErrShardUnavailable = errors.New("shard unavailable")
	// ErrConflictingSample marks two samples for one series sharing a
	// timestamp with differing values. Surfaced, never dropped.
	ErrConflictingSample = errors.New("conflicting sample")
	// ErrLimitExceeded marks a query that blew through its sample or
	// result budget.
	ErrLimitExceeded = errors.New("limit exceeded")
)

// TimeoutError is the concrete query-timeout error; it matches
// ErrQueryTimeout under errors.Is and carries the elapsed time.
type TimeoutError struct {
	Elapsed time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timeout after %s", e.Elapsed)
}

// Is matches the ErrQueryTimeout sentinel.
func (e *TimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// NewTimeoutError builds a TimeoutError from the elapsed duration.
func NewTimeoutError(elapsed time.Duration) *TimeoutError {
	return &TimeoutError{Elapsed: elapsed}
}

// IsUserError reports whether err stems from query input rather than a
// system fault; such errors are logged without stack detail.
func IsUserError(err error) bool {
	return errors.Is(err, ErrBadQuery) ||
		errors.Is(err, ErrBadArgument) ||
		errors.Is(err, ErrWrongNumberOfArgs) ||
		errors.Is(err, ErrUnknownDataset) ||
		errors.Is(err, ErrQueryTimeout) ||
		errors.Is(err, ErrLimitExceeded)
}
