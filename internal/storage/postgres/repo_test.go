package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupscan/internal/storage"
)

func TestBuildInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("public.duplicates", []string{"a", "b"}, [][]any{{1, "x"}, {2, "y"}})
	assert.Equal(t, `INSERT INTO "public"."duplicates" ("a", "b") VALUES ($1, $2), ($3, $4)`, q)
	assert.Equal(t, []any{1, "x", 2, "y"}, args)
}

func TestBuildSelectPageSQL(t *testing.T) {
	t.Parallel()

	q := buildSelectPageSQL("items", []storage.OrderTerm{{Column: "Created"}, {Column: "id", Desc: true}})
	assert.Equal(t, `SELECT * FROM "items" ORDER BY "Created", "id" DESC LIMIT $1 OFFSET $2`, q)
	assert.Equal(t, `SELECT * FROM "items" LIMIT $1 OFFSET $2`, buildSelectPageSQL("items", nil))
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	schemaSQL, tableSQL, err := buildCreateSQL(storage.CheckpointTable("ops.dupscan_checkpoints"))
	require.NoError(t, err)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "ops";`, schemaSQL)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "ops"."dupscan_checkpoints" ("key" TEXT NOT NULL, "payload" TEXT NOT NULL, "updated_at" TIMESTAMPTZ NOT NULL, PRIMARY KEY ("key"));`,
		tableSQL)

	schemaSQL, tableSQL, err = buildCreateSQL(storage.SinkTable("duplicates"))
	require.NoError(t, err)
	assert.Empty(t, schemaSQL)
	assert.Contains(t, tableSQL, `"item" JSONB NOT NULL`)
	assert.Contains(t, tableSQL, `"output_index" BIGINT NOT NULL`)
	assert.NotContains(t, tableSQL, "PRIMARY KEY")

	_, _, err = buildCreateSQL(storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "x", Type: "blob"}}})
	assert.Error(t, err)
}

func TestBuildUpsertCheckpointSQL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		`INSERT INTO "cp" ("key", "payload", "updated_at") VALUES ($1, $2, $3) ON CONFLICT ("key") DO UPDATE SET "payload" = EXCLUDED."payload", "updated_at" = EXCLUDED."updated_at"`,
		buildUpsertCheckpointSQL("cp"))
}

func TestIdentQuoting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"we""ird"`, pgIdent(`we"ird`))
	assert.Equal(t, `"a"."b"`, pgTableIdent("a.b"))

	schema, table := splitQualifiedName(" s . t ")
	assert.Equal(t, "s", schema)
	assert.Equal(t, "t", table)
	schema, table = splitQualifiedName("t")
	assert.Empty(t, schema)
	assert.Equal(t, "t", table)
}
