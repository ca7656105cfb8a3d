package exec

import (
	"context"
	"fmt"

	"github.com/meridiandb/meridian/model"
)

// vectorBytes estimates the heap cost of holding one range vector of n
// samples: 8 bytes of timestamp plus 8 of value per sample, plus a flat
// allowance for the key and slice headers.
func vectorBytes(n int) int64 {
	return int64(n)*16 + 64
}

// ShardScan reads one shard's matching series and materializes them as
// range vectors. It is the only node kind that may execute on a remote
// cluster node; Owner names the node holding the shard.
//
// Range is the fetch window, already shifted into the past for offset
// queries; OffsetMillis is added back to every fetched timestamp so the
// samples line up with the instants the query asked about.
type ShardScan struct {
	Shard        int
	Owner        model.NodeRef
	Filters      []model.ColumnFilter
	Column       string
	Range        model.TimeRange
	OffsetMillis int64
}

func (n *ShardScan) Kind() Kind            { return KindShardScan }
func (n *ShardScan) Children() []Node      { return nil }
func (n *ShardScan) Target() model.NodeRef { return n.Owner }

// Execute reads chunks from the local chunk source. The sample limit is
// enforced cumulatively across all scans of the session.
func (n *ShardScan) Execute(ctx context.Context, rt *Runtime, s *Session) (Frame, error) {
	qctx := s.Context()
	// The schema is stamped on the first chunk, so a scan matching no
	// series yields a fully empty frame.
	var out Frame
	for chunk, err := range rt.source.ReadChunks(ctx, rt.dataset, n.Shard, n.Filters, []string{n.Column}, n.Range) {
		if err != nil {
			return Frame{}, fmt.Errorf("shard %d scan: %w", n.Shard, err)
		}
		s.AddSeries(1)
		s.AddRows(int64(chunk.Len()))
		if limit := qctx.SampleLimit; limit > 0 && s.RowsScanned() > int64(limit) {
			return Frame{}, fmt.Errorf("%w: scanned over %d samples", model.ErrLimitExceeded, limit)
		}
		if err := s.ReserveBuffer(ctx, vectorBytes(chunk.Len())); err != nil {
			return Frame{}, err
		}
		values, ok := chunk.Values[n.Column]
		if !ok || len(values) != chunk.Len() {
			return Frame{}, fmt.Errorf("shard %d scan: column %q missing from chunk", n.Shard, n.Column)
		}
		if out.Schema.IsEmpty() {
			out.Schema = model.ValueSchema(n.Column)
		}
		ts := chunk.Timestamps
		if n.OffsetMillis != 0 {
			shifted := make([]int64, len(ts))
			for i, t := range ts {
				shifted[i] = t + n.OffsetMillis
			}
			ts = shifted
		}
		out.Vectors = append(out.Vectors, model.RangeVector{
			Key:        chunk.Key,
			Timestamps: ts,
			Values:     values,
		})
	}
	return out, nil
}

func (n *ShardScan) String() string {
	if n.Owner.IsZero() {
		return fmt.Sprintf("ShardScan(shard=%d)", n.Shard)
	}
	return fmt.Sprintf("ShardScan(shard=%d @%s)", n.Shard, n.Owner.ID)
}
