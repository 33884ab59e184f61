// Package file provides the local-file sink and checkpoint store: emitted
// duplicates as JSON lines, cursors as one JSON document replaced
// atomically on every put.
package file

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

// Line is one JSON line written by a WriterSink.
type Line struct {
	RunID       string         `json:"runId"`
	OutputIndex int            `json:"outputIndex"`
	Item        records.Record `json:"item"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// WriterSink writes emitted records as JSON lines to W (batch.Sink).
// A page is encoded fully before anything is written, so an encoding error
// leaves W untouched.
type WriterSink struct {
	W     io.Writer
	RunID string

	mu    sync.Mutex
	now   func() time.Time
	flush func() error
}

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer, runID string) *WriterSink {
	return &WriterSink{W: w, RunID: runID}
}

func (s *WriterSink) Append(ctx context.Context, outputOffset int, items []records.Record) error {
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	at := now().UTC()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, it := range items {
		if err := enc.Encode(Line{RunID: s.RunID, OutputIndex: outputOffset + i, Item: it, CreatedAt: at}); err != nil {
			return errors.Wrapf(err, "encode output item %d", outputOffset+i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.W.Write(buf.Bytes()); err != nil {
		return err
	}
	if s.flush != nil {
		return s.flush()
	}
	return nil
}

// FileSink appends JSON lines to a file and syncs it after every page.
type FileSink struct {
	*WriterSink
	f *os.File
}

// OpenSink opens (creating if needed) path for appending. Parent
// directories are created.
func OpenSink(path, runID string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create sink directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open sink %s", path)
	}
	ws := NewWriterSink(f, runID)
	ws.flush = f.Sync
	return &FileSink{WriterSink: ws, f: f}, nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error { return s.f.Close() }

// Checkpoints keeps cursors in one JSON file mapping key to cursor
// (batch.CheckpointStore). Every Put rewrites the file through a temporary
// file and rename, so a crash leaves either the old or the new document.
type Checkpoints struct {
	Path string

	mu sync.Mutex
}

// NewCheckpoints returns a store backed by path. The file is created on
// the first Put.
func NewCheckpoints(path string) *Checkpoints {
	return &Checkpoints{Path: path}
}

func (c *Checkpoints) Get(_ context.Context, key string) (*dedup.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.read()
	if err != nil {
		return nil, err
	}
	raw, ok := doc[key]
	if !ok {
		return nil, nil
	}
	cur, err := dedup.DecodeCursor(raw)
	if err != nil {
		return nil, errors.WithHintf(
			errors.Wrapf(err, "checkpoint %q in %s", key, c.Path),
			"delete %s to start the run over", c.Path,
		)
	}
	return cur, nil
}

func (c *Checkpoints) Put(_ context.Context, key string, cur *dedup.Cursor) error {
	payload, err := dedup.EncodeCursor(cur)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.read()
	if err != nil {
		return err
	}
	doc[key] = payload
	return c.write(doc)
}

func (c *Checkpoints) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.read()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	if len(doc) == 0 {
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove checkpoint file %s", c.Path)
		}
		return nil
	}
	return c.write(doc)
}

func (c *Checkpoints) read() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint file %s", c.Path)
	}
	doc := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(b)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.WithHintf(
			errors.Wrapf(err, "decode checkpoint file %s", c.Path),
			"delete %s to start the run over", c.Path,
		)
	}
	return doc, nil
}

func (c *Checkpoints) write(doc map[string]json.RawMessage) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint file")
	}

	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create checkpoint directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.Path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temporary checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temporary checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temporary checkpoint")
	}
	if err := os.Rename(tmpName, c.Path); err != nil {
		return errors.Wrapf(err, "replace checkpoint file %s", c.Path)
	}
	return nil
}
