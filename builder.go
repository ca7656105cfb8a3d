package meridian

import (
	"context"
	"iter"
	"time"

	"github.com/meridiandb/meridian/exec"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/plan"
	"github.com/meridiandb/meridian/query"
)

// NewQuery creates a fluent builder for one query against a dataset.
// The builder starts from a fresh query context with default limits.
//
// Example:
//
//	res, err := c.NewQuery(ref, lp).
//	    Timeout(10 * time.Second).
//	    AllowPartial().
//	    Execute(ctx)
//
//	// Or with streaming:
//	for v, err := range c.NewQuery(ref, lp).Stream(ctx) {
//	    if err != nil { break }
//	    process(v)
//	}
func (c *Coordinator) NewQuery(ref model.DatasetRef, lp plan.LogicalPlan) *QueryBuilder {
	return &QueryBuilder{
		c:    c,
		ref:  ref,
		lp:   lp,
		qctx: model.NewQueryContext(),
	}
}

// QueryBuilder assembles the query context for one request.
type QueryBuilder struct {
	c    *Coordinator
	ref  model.DatasetRef
	lp   plan.LogicalPlan
	qctx model.QueryContext
}

// QueryID returns the request's query ID, minted at NewQuery time, for
// correlating logs and telemetry before the outcome arrives.
func (qb *QueryBuilder) QueryID() string { return qb.qctx.QueryID }

// Timeout bounds the whole query, measured from submission.
func (qb *QueryBuilder) Timeout(d time.Duration) *QueryBuilder {
	qb.qctx.TimeoutMillis = d.Milliseconds()
	return qb
}

// Shards restricts execution to the given shard ids. The effective set
// is the intersection with the shards the plan's filters imply.
func (qb *QueryBuilder) Shards(ids ...int) *QueryBuilder {
	qb.qctx.ShardOverrides = ids
	return qb
}

// Spread overrides the replication spread used to expand shard-key
// hashes, taking precedence over per-prefix and dataset defaults.
func (qb *QueryBuilder) Spread(bits int) *QueryBuilder {
	qb.qctx.SpreadOverride = &bits
	return qb
}

// AllowPartial trades completeness for availability: unavailable shards
// are skipped and failed sub-queries dropped, with the result marked
// partial, instead of failing the query.
func (qb *QueryBuilder) AllowPartial() *QueryBuilder {
	qb.qctx.AllowPartial = true
	return qb
}

// SampleLimit caps the samples scanned before the query fails with a
// limit error.
func (qb *QueryBuilder) SampleLimit(n int) *QueryBuilder {
	qb.qctx.SampleLimit = n
	return qb
}

// ResultLimit caps the series in the result.
func (qb *QueryBuilder) ResultLimit(n int) *QueryBuilder {
	qb.qctx.ResultLimit = n
	return qb
}

// Text attaches the original query text, surfaced in failure logs.
func (qb *QueryBuilder) Text(s string) *QueryBuilder {
	qb.qctx.QueryText = s
	return qb
}

// Execute runs the query and blocks for the terminal outcome.
func (qb *QueryBuilder) Execute(ctx context.Context) (*model.QueryResult, error) {
	return qb.c.Query(ctx, qb.ref, qb.lp, qb.qctx)
}

// Submit runs the query asynchronously. The returned channel carries
// exactly one outcome and is then closed.
func (qb *QueryBuilder) Submit(ctx context.Context) <-chan query.Outcome {
	return qb.c.Submit(ctx, qb.ref, qb.lp, qb.qctx)
}

// Explain materializes the execution plan without running it.
func (qb *QueryBuilder) Explain() (*exec.Plan, error) {
	return qb.c.Explain(qb.ref, qb.lp, qb.qctx)
}

// Stream executes the query and yields the result vectors one at a
// time. An error, if any, arrives as the final element.
func (qb *QueryBuilder) Stream(ctx context.Context) iter.Seq2[model.RangeVector, error] {
	return func(yield func(model.RangeVector, error) bool) {
		res, err := qb.Execute(ctx)
		if err != nil {
			yield(model.RangeVector{}, err)
			return
		}
		for _, v := range res.Vectors {
			if !yield(v, nil) {
				return
			}
		}
	}
}
