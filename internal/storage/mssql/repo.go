// Package mssql implements storage.Repository for Microsoft SQL Server on
// github.com/microsoft/go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"dupscan/internal/storage"
	"dupscan/pkg/records"
)

// maxRowsPerInsert keeps multi-row inserts under SQL Server's 2100
// parameter limit (four parameters per sink row).
const maxRowsPerInsert = 500

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Paged reads with ORDER BY ... OFFSET/FETCH. Without an order the rows
//     are ordered by (SELECT NULL), which SQL Server accepts but does not
//     keep stable across plans.
//   - Append-only sink inserts, one transaction per page.
//   - Checkpoint upserts via MERGE ... WITH (HOLDLOCK) so concurrent writers
//     of the same key serialize.
//
// UNIQUEIDENTIFIER columns are rendered in their canonical string form.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver
// registered by go-mssqldb.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables. Each statement is guarded by
// OBJECT_ID, so this is safe to run on every invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@p1) IS NULL THEN 0 ELSE 1 END`,
		mssqlTableIdent(table),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table)).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Repo) FetchRows(ctx context.Context, table string, orderBy []storage.OrderTerm, offset, limit int) ([]records.Record, error) {
	rows, err := r.db.QueryContext(ctx, buildSelectPageSQL(table, orderBy), int64(offset), int64(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return storage.ScanRecords(rows, convertColumn)
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
	defer func() { _ = tx.Rollback() }()

	at = at.UTC()
	for start := 0; start < len(items); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(items))
		rows := make([][]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, []any{runID, int64(outputOffset + i), string(items[i]), at})
		}
		q, args := buildBulkInsertSQL(table, storage.SinkColumns, rows)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (r *Repo) LoadCheckpoint(ctx context.Context, table, key string) ([]byte, bool, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = @p1", mssqlIdent(storage.ColPayload), mssqlTableIdent(table), mssqlIdent(storage.ColKey)),
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
	_, err := r.db.ExecContext(ctx, buildMergeCheckpointSQL(table), key, string(payload), at.UTC())
	return err
}

func (r *Repo) DeleteCheckpoint(ctx context.Context, table, key string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = @p1", mssqlTableIdent(table), mssqlIdent(storage.ColKey)),
		key,
	)
	return err
}

// convertColumn renders UNIQUEIDENTIFIER bytes (mixed-endian on the wire)
// as the canonical GUID string.
func convertColumn(ct *sql.ColumnType, v any) any {
	if ct.DatabaseTypeName() != "UNIQUEIDENTIFIER" || v == nil {
		return v
	}
	var id mssqldb.UniqueIdentifier
	if err := id.Scan(v); err != nil {
		return v
	}
	return id.String()
}

// buildCreateSQL returns guarded DDL for t.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		cols := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			cols[i] = mssqlIdent(c)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(mssqlTableIdent(tableName), "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef maps a logical column to a SQL Server definition. Key
// columns are bounded so they can be part of a primary key.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	var typ string
	switch c.Type {
	case storage.TypeKey:
		typ = "NVARCHAR(400)"
	case storage.TypeText, storage.TypeJSON:
		typ = "NVARCHAR(MAX)"
	case storage.TypeInt:
		typ = "BIGINT"
	case storage.TypeTime:
		typ = "DATETIME2"
	default:
		return "", fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}
	null := " NOT NULL"
	if c.Nullable {
		null = " NULL"
	}
	return mssqlIdent(c.Name) + " " + typ + null, nil
}

// buildSelectPageSQL returns a paged SELECT with @p1 = offset, @p2 = limit.
func buildSelectPageSQL(table string, orderBy []storage.OrderTerm) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" ORDER BY ")
	if len(orderBy) == 0 {
		b.WriteString("(SELECT NULL)")
	}
	for i, o := range orderBy {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlTableIdent(o.Column))
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	b.WriteString(" OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY")
	return b.String()
}

// buildBulkInsertSQL builds one multi-row INSERT with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildMergeCheckpointSQL upserts one checkpoint row; @p1 key, @p2 payload,
// @p3 updated_at.
func buildMergeCheckpointSQL(table string) string {
	k, p, u := mssqlIdent(storage.ColKey), mssqlIdent(storage.ColPayload), mssqlIdent(storage.ColUpdatedAt)
	return fmt.Sprintf(
		"MERGE INTO %s WITH (HOLDLOCK) AS t "+
			"USING (SELECT @p1 AS %s, @p2 AS %s, @p3 AS %s) AS s ON t.%s = s.%s "+
			"WHEN MATCHED THEN UPDATE SET t.%s = s.%s, t.%s = s.%s "+
			"WHEN NOT MATCHED THEN INSERT (%s, %s, %s) VALUES (s.%s, s.%s, s.%s);",
		mssqlTableIdent(table),
		k, p, u, k, k,
		p, p, u, u,
		k, p, u, k, p, u,
	)
}

// mssqlIdent bracket-quotes one identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// dbConn is the narrow surface of *sql.DB the repository uses, so statement
// building and transaction handling are testable without a server.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
