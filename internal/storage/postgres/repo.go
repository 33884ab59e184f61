// Package postgres implements storage.Repository on jackc/pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dupscan/internal/storage"
	"dupscan/pkg/records"
)

// maxRowsPerInsert keeps multi-row inserts well under the 65535 bind
// parameter limit of the wire protocol.
const maxRowsPerInsert = 1000

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Paged reads of any table or view (LIMIT/OFFSET)
  - Append-only sink inserts, one transaction per page
  - Checkpoint upserts using INSERT ... ON CONFLICT DO UPDATE

Values of vendor types (numeric, uuid, interval) are normalized through
storage.NormalizeValue so they group like their textual form.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates missing schemas and tables.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("postgres: create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgTableIdent(table)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgTableIdent(table)).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// FetchRows reads one page. Column values come from pgx's default type map
// (rows.Values) and are normalized per value.
func (r *Repo) FetchRows(ctx context.Context, table string, orderBy []storage.OrderTerm, offset, limit int) ([]records.Record, error) {
	rows, err := r.pool.Query(ctx, buildSelectPageSQL(table, orderBy), int64(limit), int64(offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []records.Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(records.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = storage.NormalizeValue(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendItems inserts the items in one transaction, in chunks.
func (r *Repo) AppendItems(ctx context.Context, table, runID string, outputOffset int, items [][]byte, at time.Time) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	at = at.UTC()
	for start := 0; start < len(items); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(items))
		rows := make([][]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, []any{runID, int64(outputOffset + i), string(items[i]), at})
		}
		q, args := buildInsertSQL(table, storage.SinkColumns, rows)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("postgres: insert into %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) LoadCheckpoint(ctx context.Context, table, key string) ([]byte, bool, error) {
	var payload string
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", pgIdent(storage.ColPayload), pgTableIdent(table), pgIdent(storage.ColKey)),
		key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (r *Repo) SaveCheckpoint(ctx context.Context, table, key string, payload []byte, at time.Time) error {
	_, err := r.pool.Exec(ctx, buildUpsertCheckpointSQL(table), key, string(payload), at.UTC())
	return err
}

func (r *Repo) DeleteCheckpoint(ctx context.Context, table, key string) error {
	_, err := r.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", pgTableIdent(table), pgIdent(storage.ColKey)),
		key,
	)
	return err
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure and deterministic, so placeholder numbering is unit tested
// without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// buildSelectPageSQL returns a paged SELECT with $1 = limit, $2 = offset.
func buildSelectPageSQL(table string, orderBy []storage.OrderTerm) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(pgTableIdent(table))
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgTableIdent(o.Column))
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	b.WriteString(" LIMIT $1 OFFSET $2")
	return b.String()
}

func buildUpsertCheckpointSQL(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, $3) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s",
		pgTableIdent(table),
		pgIdent(storage.ColKey), pgIdent(storage.ColPayload), pgIdent(storage.ColUpdatedAt),
		pgIdent(storage.ColKey),
		pgIdent(storage.ColPayload), pgIdent(storage.ColPayload),
		pgIdent(storage.ColUpdatedAt), pgIdent(storage.ColUpdatedAt),
	)
}

// buildCreateSQL builds DDL for t and, for schema-qualified names, the
// schema it lives in.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("table %s has no columns", t.Name)
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema) + ";"
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := columnType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		cols := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			cols[i] = pgIdent(c)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, tableSQL, nil
}

func columnType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeKey, storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeJSON:
		return "JSONB", nil
	case storage.TypeTime:
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t)
	}
}

// splitQualifiedName splits "schema.table". Unqualified names return an
// empty schema.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// pgIdent double-quotes one identifier.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// pgTableIdent quotes a possibly schema-qualified name part by part.
//
// Example:
//
//	"public.items" -> "public"."items"
func pgTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return pgx.Identifier(parts).Sanitize()
}
