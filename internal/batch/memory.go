package batch

import (
	"context"

	"dupscan/internal/dedup"
	"dupscan/pkg/records"
)

// SliceSource serves a pre-loaded record array through the paged Source
// contract, so in-memory inputs run through the same checkpointed loop.
type SliceSource struct {
	Records []records.Record
}

// FetchPage returns Records[offset:offset+limit], clipped to the array.
func (s *SliceSource) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 || offset >= len(s.Records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.Records) {
		end = len(s.Records)
	}
	return s.Records[offset:end], nil
}

// Count implements Counter.
func (s *SliceSource) Count(context.Context) (int, error) {
	return len(s.Records), nil
}

// MemoryCheckpoints keeps encoded cursors in memory. Cursors are stored as
// bytes so later mutation of a live cursor cannot leak into the checkpoint.
type MemoryCheckpoints struct {
	blobs map[string][]byte
}

// NewMemoryCheckpoints returns an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{blobs: make(map[string][]byte)}
}

func (m *MemoryCheckpoints) Get(_ context.Context, key string) (*dedup.Cursor, error) {
	b, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return dedup.DecodeCursor(b)
}

func (m *MemoryCheckpoints) Put(_ context.Context, key string, c *dedup.Cursor) error {
	b, err := dedup.EncodeCursor(c)
	if err != nil {
		return err
	}
	m.blobs[key] = b
	return nil
}

func (m *MemoryCheckpoints) Delete(_ context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}
