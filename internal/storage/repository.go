// Package storage defines the database contract dupscan uses for three
// jobs: reading a table as a paged record source, appending emitted
// duplicates to a sink table, and persisting the run cursor in a
// checkpoint table.
//
// Backends (sqlite, postgres, mssql) live in sub-packages and register
// themselves by kind from init(). Import dupscan/internal/storage/all to
// link every backend.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

// Config is the minimal configuration needed to open a repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic database contract.
//
// Each backend implements these semantics in its own idiomatic way
// (Postgres ON CONFLICT, SQL Server MERGE, SQLite upsert). Table names may be
// schema qualified ("dbo.items") where the backend supports it.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates tables that do not exist yet. Existing tables are
	// left untouched.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// TableExists reports whether table (or a view of that name) exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int, error)

	// FetchRows returns up to limit rows of table starting at offset, in
	// orderBy order. Column names become record fields.
	FetchRows(ctx context.Context, table string, orderBy []OrderTerm, offset, limit int) ([]records.Record, error)

	// AppendItems inserts one sink row per item. items[i] is stored with
	// output index outputOffset+i. Either all rows are stored or none.
	AppendItems(ctx context.Context, table, runID string, outputOffset int, items [][]byte, at time.Time) error

	// LoadCheckpoint returns the payload stored under key; ok is false when
	// there is none.
	LoadCheckpoint(ctx context.Context, table, key string) (payload []byte, ok bool, err error)

	// SaveCheckpoint inserts or replaces the payload stored under key.
	SaveCheckpoint(ctx context.Context, table, key string, payload []byte, at time.Time) error

	// DeleteCheckpoint removes key. Deleting a missing key is not an error.
	DeleteCheckpoint(ctx context.Context, table, key string) error
}

// Factory opens a Repository for a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Ambiguous backend selection fails fast.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic("storage: factory already registered for kind=" + kind)
	}

	factories[kind] = f
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - ErrConfiguration if cfg.Kind is empty or not registered.
//   - ErrSourceUnavailable if the backend cannot connect.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, errors.NewConfigurationError("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, errors.WithHintf(
			errors.NewConfigurationError("unsupported storage kind=%s", cfg.Kind),
			"registered kinds: %v", Kinds(),
		)
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		if errors.IsFatal(err) {
			return nil, err
		}
		return nil, errors.MarkUnavailable(err, "open storage kind="+cfg.Kind)
	}
	return repo, nil
}
