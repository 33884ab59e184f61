// Package sqlite implements storage.Repository on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dupscan/internal/storage"
	"dupscan/pkg/records"
)

// maxRowsPerInsert keeps multi-row inserts under SQLite's host parameter
// limit.
const maxRowsPerInsert = 500

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no JSON or TIMESTAMPTZ column type. Item documents are TEXT,
//     timestamps are RFC3339Nano strings.
//   - The pool is capped at one connection so ":memory:" databases are
//     shared by every statement of the repository.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables runs CREATE TABLE IF NOT EXISTS for every table spec.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`,
		table,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Repo) FetchRows(ctx context.Context, table string, orderBy []storage.OrderTerm, offset, limit int) ([]records.Record, error) {
	rows, err := r.db.QueryContext(ctx, buildSelectPageSQL(table, orderBy), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return storage.ScanRecords(rows, nil)
}

// AppendItems inserts the items in one transaction, in chunks.
func (r *Repo) AppendItems(ctx context.Context, table, runID string, outputOffset int, items [][]byte, at time.Time) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := formatSQLiteTime(at)
	for start := 0; start < len(items); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(items))
		rows := make([][]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, []any{runID, int64(outputOffset + i), string(items[i]), created})
		}
		q, args := buildInsertSQL(table, storage.SinkColumns, rows)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) LoadCheckpoint(ctx context.Context, table, key string) ([]byte, bool, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", sqlIdent(storage.ColPayload), sqlIdent(table), sqlIdent(storage.ColKey)),
		key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (r *Repo) SaveCheckpoint(ctx context.Context, table, key string, payload []byte, at time.Time) error {
	_, err := r.db.ExecContext(ctx, buildUpsertCheckpointSQL(table), key, string(payload), formatSQLiteTime(at))
	return err
}

func (r *Repo) DeleteCheckpoint(ctx context.Context, table, key string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", sqlIdent(table), sqlIdent(storage.ColKey)),
		key,
	)
	return err
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func columnType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeKey, storage.TypeText, storage.TypeJSON, storage.TypeTime:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t)
	}
}

// buildCreateTableSQL generates idempotent DDL for t.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := columnType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+joinIdentList(t.PrimaryKey)+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildSelectPageSQL returns a paged SELECT with LIMIT ? OFFSET ? params.
func buildSelectPageSQL(table string, orderBy []storage.OrderTerm) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(sqlIdent(table))
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlIdent(o.Column))
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	return b.String()
}

// buildInsertSQL builds one multi-row INSERT with ? placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		args = append(args, row...)
	}
	return b.String(), args
}

func buildUpsertCheckpointSQL(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s, %s = excluded.%s",
		sqlIdent(table),
		sqlIdent(storage.ColKey), sqlIdent(storage.ColPayload), sqlIdent(storage.ColUpdatedAt),
		sqlIdent(storage.ColKey),
		sqlIdent(storage.ColPayload), sqlIdent(storage.ColPayload),
		sqlIdent(storage.ColUpdatedAt), sqlIdent(storage.ColUpdatedAt),
	)
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// Timestamps are stored as TEXT for reliable scanning with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
