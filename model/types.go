package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DatasetRef identifies a dataset by namespace and name. Immutable value.
type DatasetRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// DefaultNamespace is used when a dataset is referenced without a namespace.
const DefaultNamespace = "default"

// NewDatasetRef creates a DatasetRef, substituting DefaultNamespace for an
// empty namespace.
func NewDatasetRef(namespace, name string) DatasetRef {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return DatasetRef{Namespace: namespace, Name: name}
}

// String returns the canonical "namespace/name" form.
func (r DatasetRef) String() string {
	return r.Namespace + "/" + r.Name
}

// NodeRef is an opaque reference to a cluster node that can own shards and
// execute sub-plans. Identity is the full value.
type NodeRef struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// String returns the node ID, with the address when one is set.
func (n NodeRef) String() string {
	if n.Addr == "" {
		return n.ID
	}
	return n.ID + "@" + n.Addr
}

// IsZero reports whether the reference is unset.
func (n NodeRef) IsZero() bool { return n.ID == "" && n.Addr == "" }

// Label is a single name/value pair identifying part of a series key.
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SeriesKey identifies one time series: a list of labels sorted by name.
// The zero-length key is valid and identifies scalar or fully aggregated
// results.
type SeriesKey []Label

// KeyFromMap builds a sorted SeriesKey from a label map.
func KeyFromMap(labels map[string]string) SeriesKey {
	if len(labels) == 0 {
		return nil
	}
	key := make(SeriesKey, 0, len(labels))
	for name, value := range labels {
		key = append(key, Label{Name: name, Value: value})
	}
	sort.Slice(key, func(i, j int) bool { return key[i].Name < key[j].Name })
	return key
}

// Get returns the value for a label name.
func (k SeriesKey) Get(name string) (string, bool) {
	for _, l := range k {
		if l.Name == name {
			return l.Value, true
		}
	}
	return "", false
}

// String returns the canonical text form, e.g. {app="api",dc="east"}.
// Keys compare and sort by this form.
func (k SeriesKey) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range k {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Hash returns a stable 64-bit hash of the key. Label names and values are
// NUL-delimited so adjacent pairs cannot collide by concatenation.
func (k SeriesKey) Hash() uint64 {
	d := xxhash.New()
	var sep [1]byte
	for _, l := range k {
		_, _ = d.WriteString(l.Name)
		_, _ = d.Write(sep[:])
		_, _ = d.WriteString(l.Value)
		_, _ = d.Write(sep[:])
	}
	return d.Sum64()
}

// Compare orders two keys by their canonical form.
func (k SeriesKey) Compare(other SeriesKey) int {
	return strings.Compare(k.String(), other.String())
}

// FilterOp enumerates the supported column filter operations.
type FilterOp uint8

const (
	FilterEquals FilterOp = iota
	FilterNotEquals
	FilterIn
)

// String implements fmt.Stringer.
func (op FilterOp) String() string {
	switch op {
	case FilterEquals:
		return "="
	case FilterNotEquals:
		return "!="
	case FilterIn:
		return "in"
	default:
		return fmt.Sprintf("FilterOp(%d)", uint8(op))
	}
}

// ColumnFilter restricts a label column to a value set. Equals and NotEquals
// use Values[0]; In matches any of Values.
type ColumnFilter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Values []string `json:"values"`
}

// Matches reports whether a label value passes the filter.
func (f ColumnFilter) Matches(v string) bool {
	switch f.Op {
	case FilterEquals:
		return len(f.Values) == 1 && f.Values[0] == v
	case FilterNotEquals:
		return len(f.Values) == 1 && f.Values[0] != v
	case FilterIn:
		for _, want := range f.Values {
			if want == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// String returns a compact filter description for logs and explain output.
func (f ColumnFilter) String() string {
	if f.Op == FilterIn {
		return fmt.Sprintf("%s in %s", f.Column, strings.Join(f.Values, "|"))
	}
	return fmt.Sprintf("%s%s%s", f.Column, f.Op, strings.Join(f.Values, "|"))
}

// TimeRange is an inclusive [Start, End] window in epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// IsEmpty reports whether the range contains no instants.
func (t TimeRange) IsEmpty() bool { return t.End < t.Start }

// Contains reports whether ts falls inside the range.
func (t TimeRange) Contains(ts int64) bool { return ts >= t.Start && ts <= t.End }

// Intersect clips the range to another; the result may be empty.
func (t TimeRange) Intersect(other TimeRange) TimeRange {
	r := t
	if other.Start > r.Start {
		r.Start = other.Start
	}
	if other.End < r.End {
		r.End = other.End
	}
	return r
}

// DatasetOptions describes the query-relevant layout of a dataset: which
// columns identify a series, which carry data, how series hash to shards and
// how widely a shard key spreads. Set once at dataset setup.
type DatasetOptions struct {
	NumShards       int
	LabelColumns    []string
	DataColumns     []string
	ShardKeyColumns []string
	DefaultSpread   int
	// SpreadByKeyPrefix overrides the spread for shard keys whose first
	// column value matches the map key.
	SpreadByKeyPrefix map[string]int
}

// HasLabelColumn reports whether name is a declared label column.
func (o DatasetOptions) HasLabelColumn(name string) bool {
	for _, c := range o.LabelColumns {
		if c == name {
			return true
		}
	}
	return false
}

// HasDataColumn reports whether name is a declared data column.
func (o DatasetOptions) HasDataColumn(name string) bool {
	for _, c := range o.DataColumns {
		if c == name {
			return true
		}
	}
	return false
}
