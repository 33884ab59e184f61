package storage

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

// TableSource pages a database table as a record source (batch.Source and
// batch.Counter).
type TableSource struct {
	Repo    Repository
	Table   string
	OrderBy []OrderTerm
}

// NewTableSource checks that table exists and returns a source over it.
//
// Errors:
//   - ErrConfiguration when orderBy cannot be parsed.
//   - ErrSourceNotFound when the table does not exist.
func NewTableSource(ctx context.Context, repo Repository, table, orderBy string) (*TableSource, error) {
	terms, err := ParseOrderBy(orderBy)
	if err != nil {
		return nil, err
	}
	ok, err := repo.TableExists(ctx, table)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "look up table "+table)
	}
	if !ok {
		return nil, errors.NewSourceNotFoundError("table %s does not exist", table)
	}
	return &TableSource{Repo: repo, Table: table, OrderBy: terms}, nil
}

func (s *TableSource) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.Repo.FetchRows(ctx, s.Table, s.OrderBy, offset, limit)
}

func (s *TableSource) Count(ctx context.Context) (int, error) {
	return s.Repo.CountRows(ctx, s.Table)
}

// TableSink appends emitted records to a sink table as JSON documents
// (batch.Sink).
type TableSink struct {
	Repo  Repository
	Table string
	RunID string

	now func() time.Time
}

// NewTableSink creates the sink table if needed.
func NewTableSink(ctx context.Context, repo Repository, table, runID string) (*TableSink, error) {
	if err := repo.EnsureTables(ctx, []TableSpec{SinkTable(table)}); err != nil {
		return nil, errors.Wrapf(err, "ensure sink table %s", table)
	}
	return &TableSink{Repo: repo, Table: table, RunID: runID}, nil
}

func (s *TableSink) Append(ctx context.Context, outputOffset int, items []records.Record) error {
	if len(items) == 0 {
		return nil
	}
	docs := make([][]byte, len(items))
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return errors.Wrapf(err, "encode output item %d", outputOffset+i)
		}
		docs[i] = b
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	return s.Repo.AppendItems(ctx, s.Table, s.RunID, outputOffset, docs, now().UTC())
}

// TableCheckpoints stores cursors in a checkpoint table
// (batch.CheckpointStore).
type TableCheckpoints struct {
	Repo  Repository
	Table string

	now func() time.Time
}

// NewTableCheckpoints creates the checkpoint table if needed.
func NewTableCheckpoints(ctx context.Context, repo Repository, table string) (*TableCheckpoints, error) {
	if err := repo.EnsureTables(ctx, []TableSpec{CheckpointTable(table)}); err != nil {
		return nil, errors.Wrapf(err, "ensure checkpoint table %s", table)
	}
	return &TableCheckpoints{Repo: repo, Table: table}, nil
}

func (c *TableCheckpoints) Get(ctx context.Context, key string) (*dedup.Cursor, error) {
	payload, ok, err := c.Repo.LoadCheckpoint(ctx, c.Table, key)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "load checkpoint "+key)
	}
	if !ok {
		return nil, nil
	}
	return dedup.DecodeCursor(payload)
}

func (c *TableCheckpoints) Put(ctx context.Context, key string, cur *dedup.Cursor) error {
	payload, err := dedup.EncodeCursor(cur)
	if err != nil {
		return err
	}
	at := cur.UpdatedAt
	if at.IsZero() {
		at = time.Now()
		if c.now != nil {
			at = c.now()
		}
	}
	return c.Repo.SaveCheckpoint(ctx, c.Table, key, payload, at.UTC())
}

func (c *TableCheckpoints) Delete(ctx context.Context, key string) error {
	return c.Repo.DeleteCheckpoint(ctx, c.Table, key)
}
