// Package batch drives duplicate detection over a paged record source.
//
// A Loop pulls pages by offset/limit from a Source, hands each page to a
// dedup.Detector, appends the emitted records to a Sink and persists the
// advanced cursor to a CheckpointStore before requesting the next page.
// Sources, sinks and checkpoint stores are external collaborators; this
// package only defines their contracts.
package batch

import (
	"context"

	"dupscan/internal/dedup"
	"dupscan/pkg/records"
)

// Source yields records by absolute position.
//
// Repeated calls with the same offset and limit must return the same records
// in the same order; resumption depends on it. A page shorter than limit is
// allowed. An empty page means the source is exhausted.
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error)
}

// Counter is implemented by sources that know their total size. When the
// configured limit is zero, the loop scans up to Count.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Sink persists emitted duplicate records. Append is called once per page,
// with zero or more records; items[i] has output index outputOffset+i.
type Sink interface {
	Append(ctx context.Context, outputOffset int, items []records.Record) error
}

// CheckpointStore persists the resumable cursor of one run under a key.
//
// Get returns (nil, nil) when nothing is stored. Put must either store the
// whole cursor or leave the previous value intact.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (*dedup.Cursor, error)
	Put(ctx context.Context, key string, c *dedup.Cursor) error
	Delete(ctx context.Context, key string) error
}
