package file

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupscan/internal/dedup"
	"dupscan/pkg/records"
)

func TestWriterSink_WritesOneLinePerItem(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, "run-1")
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, 4, []records.Record{{"a": "x"}, {"a": "y"}}))
	require.NoError(t, s.Append(ctx, 6, nil))

	var lines []Line
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var l Line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, 4, lines[0].OutputIndex)
	assert.Equal(t, 5, lines[1].OutputIndex)
	assert.Equal(t, "y", lines[1].Item["a"])
	assert.Equal(t, "run-1", lines[0].RunID)
	assert.True(t, lines[0].CreatedAt.Equal(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)))
}

func TestFileSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "dups.jsonl")
	ctx := context.Background()

	s, err := OpenSink(path, "r")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, 0, []records.Record{{"n": 1}}))
	require.NoError(t, s.Close())

	s, err = OpenSink(path, "r")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, 1, []records.Record{{"n": 2}}))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(b, []byte("\n")))
}

func TestCheckpoints_PutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp", "state.json")
	store := NewCheckpoints(path)
	ctx := context.Background()

	got, err := store.Get(ctx, "STATE")
	require.NoError(t, err)
	assert.Nil(t, got)

	cur := dedup.NewCursor(0)
	cur.State.Table("email").Observe("a@x", records.Record{"email": "a@x"}, 0, 0,
		dedup.Options{MinDuplications: 2, ShowItems: true, ShowIndexes: true})
	cur = cur.Advanced(1, 0, time.Now())
	require.NoError(t, store.Put(ctx, "STATE", cur))
	require.NoError(t, store.Put(ctx, "OTHER", dedup.NewCursor(9)))

	back, err := store.Get(ctx, "STATE")
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, cur.RunID, back.RunID)
	assert.Equal(t, 1, back.Offset)
	require.Contains(t, back.State, "email")
	assert.Len(t, back.State["email"]["a@x"].Buffer, 1)

	require.NoError(t, store.Delete(ctx, "STATE"))
	gone, err := store.Get(ctx, "STATE")
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = os.Stat(path)
	require.NoError(t, err, "other keys keep the file")

	require.NoError(t, store.Delete(ctx, "OTHER"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, store.Delete(ctx, "OTHER"))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCheckpoints_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewCheckpoints(path).Get(context.Background(), "STATE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
