// Package dedup implements exact-value duplicate detection over batches of
// records: per-field occurrence tables, the buffering/flush rule that decides
// when records are emitted, the resumable cursor that carries table state
// across pages, and the final threshold filter.
package dedup

import "dupscan/pkg/records"

// Options controls what the tracker records and emits.
type Options struct {
	// MinDuplications is the occurrence count at which records of a group
	// start being emitted. Values below 1 are treated as 1.
	MinDuplications int

	// ShowIndexes records originalIndexes and outputIndexes on buckets.
	ShowIndexes bool

	// ShowItems enables buffering and emission of records.
	ShowItems bool

	// ShowMissing groups absent/nil/"" values under Missing instead of
	// skipping them.
	ShowMissing bool
}

func (o Options) threshold() int {
	if o.MinDuplications < 1 {
		return 1
	}
	return o.MinDuplications
}

// Bucket is the aggregate state of one GroupKey.
//
// Buffer is non-nil only while the group is below the threshold and items are
// shown. A nil Buffer on a bucket with Count >= threshold means the group has
// flushed; it is never repopulated.
type Bucket struct {
	Count           int              `json:"count"`
	OriginalIndexes []int            `json:"originalIndexes,omitempty"`
	Buffer          []records.Record `json:"firstItems,omitempty"`
	OutputIndexes   []int            `json:"outputIndexes,omitempty"`
}

// Flushed reports whether the bucket has crossed the threshold.
func (b *Bucket) Flushed(opts Options) bool {
	return b.Count >= opts.threshold()
}

// Table is the occurrence tracker of one field, keyed by GroupKey.
// The table owns its buckets exclusively.
type Table map[GroupKey]*Bucket

// Observe records one occurrence of key and returns the records to emit, in
// emission order:
//
//   - nothing while the group is below the threshold (the record is buffered)
//   - buffer + rec when the count first reaches the threshold (flush)
//   - rec alone for every later occurrence
//
// Emitted records are assigned consecutive output indexes starting at
// nextOutputIndex. The caller advances its counter by len(result).
func (t Table) Observe(key GroupKey, rec records.Record, originalIndex, nextOutputIndex int, opts Options) []records.Record {
	threshold := opts.threshold()

	b, seen := t[key]
	if !seen {
		b = &Bucket{}
		t[key] = b
	}

	b.Count++
	if opts.ShowIndexes {
		b.OriginalIndexes = append(b.OriginalIndexes, originalIndex)
	}

	if !opts.ShowItems {
		return nil
	}

	switch {
	case b.Count < threshold:
		b.Buffer = append(b.Buffer, rec)
		return nil

	case b.Count == threshold:
		out := make([]records.Record, 0, len(b.Buffer)+1)
		out = append(out, b.Buffer...)
		out = append(out, rec)
		b.Buffer = nil
		if opts.ShowIndexes {
			for i := range out {
				b.OutputIndexes = append(b.OutputIndexes, nextOutputIndex+i)
			}
		}
		return out

	default:
		if opts.ShowIndexes {
			b.OutputIndexes = append(b.OutputIndexes, nextOutputIndex)
		}
		return []records.Record{rec}
	}
}

// Tables holds one Table per tracked field.
type Tables map[string]Table

// Table returns the table for field, creating it on first use.
func (ts Tables) Table(field string) Table {
	t, ok := ts[field]
	if !ok {
		t = make(Table)
		ts[field] = t
	}
	return t
}
