package runner

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"dupscan/internal/batch"
	"dupscan/internal/config"
	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/internal/storage"
	storagefile "dupscan/internal/storage/file"
	_ "dupscan/internal/storage/sqlite"
	"dupscan/pkg/records"
)

type bucketDoc struct {
	Count           int   `json:"count"`
	OriginalIndexes []int `json:"originalIndexes"`
}

func emails(vals ...string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = map[string]any{"email": v, "pos": i}
	}
	return out
}

func basePipeline(t *testing.T) config.Pipeline {
	t.Helper()
	return config.Pipeline{
		Job:    "test",
		Source: config.Source{Kind: config.SourceInline, Records: emails("a@x", "b@x", "a@x", "c@x", "a@x")},
		Dedup: config.Dedup{
			Fields:          []string{"email"},
			MinDuplications: 2,
			ShowIndexes:     true,
			ShowItems:       true,
		},
		Runtime:    config.Runtime{BatchSize: 2},
		Sink:       config.Sink{Kind: config.SinkNone},
		Checkpoint: config.Checkpoint{Kind: config.SinkFile, Path: filepath.Join(t.TempDir(), "cp.json"), Key: "STATE"},
		Report:     config.Report{Format: "json"},
	}
}

func decodeReport(t *testing.T, b []byte) map[string]bucketDoc {
	t.Helper()
	var out map[string]bucketDoc
	require.NoError(t, json.Unmarshal(b, &out), "report=%s", b)
	return out
}

func TestRun_InlineToStdoutReport(t *testing.T) {
	p := basePipeline(t)
	p.Sink = config.Sink{Kind: config.SinkFile, Path: filepath.Join(t.TempDir(), "dups.jsonl")}

	var stdout bytes.Buffer
	r := &Runner{Stdout: &stdout}
	res, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, res.Resumed)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 5, res.Summary.Scanned)
	assert.Equal(t, 3, res.Summary.Batches)
	assert.Equal(t, 3, res.Summary.Emitted)
	assert.Equal(t, 1, res.Report.DuplicateGroups())

	rep := decodeReport(t, stdout.Bytes())
	require.Contains(t, rep, "a@x")
	assert.Equal(t, 3, rep["a@x"].Count)
	assert.Equal(t, []int{0, 2, 4}, rep["a@x"].OriginalIndexes)
	assert.NotContains(t, rep, "b@x")

	// Sink lines carry the run id and consecutive output indexes.
	f, err := os.Open(p.Sink.Path)
	require.NoError(t, err)
	defer f.Close()
	var idx []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line storagefile.Line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.Equal(t, res.RunID, line.RunID)
		idx = append(idx, line.OutputIndex)
	}
	assert.Equal(t, []int{0, 1, 2}, idx)

	// DONE removes the checkpoint.
	cur, err := storagefile.NewCheckpoints(p.Checkpoint.Path).Get(context.Background(), "STATE")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	p := basePipeline(t)
	ctx := context.Background()

	// A previous run stopped after the first two records.
	prior := dedup.NewCursor(0)
	det, err := dedup.NewDetector([]string{"email"}, dedup.Options{MinDuplications: 2, ShowIndexes: true, ShowItems: true}, nil)
	require.NoError(t, err)
	page := []records.Record{{"email": "a@x", "pos": 0}, {"email": "b@x", "pos": 1}}
	_, err = det.Process(ctx, prior.State, page, 0, 0)
	require.NoError(t, err)
	prior = prior.Advanced(2, 0, prior.UpdatedAt)
	require.NoError(t, storagefile.NewCheckpoints(p.Checkpoint.Path).Put(ctx, "STATE", prior))

	var stdout bytes.Buffer
	res, err := (&Runner{Stdout: &stdout}).Run(ctx, p)
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, prior.RunID, res.RunID)
	assert.Equal(t, 3, res.Summary.Scanned, "only the rest of the source is read")

	rep := decodeReport(t, stdout.Bytes())
	assert.Equal(t, []int{0, 2, 4}, rep["a@x"].OriginalIndexes)
}

// flakySource fails every fetch at or after failAt while failing is set.
type flakySource struct {
	batch.SliceSource
	failAt  int
	failing bool
}

func (s *flakySource) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	if s.failing && offset >= s.failAt {
		return nil, errors.New("connection reset")
	}
	return s.SliceSource.FetchPage(ctx, offset, limit)
}

func TestRun_FailureKeepsCheckpointAndRerunCompletes(t *testing.T) {
	p := basePipeline(t)
	var recs []records.Record
	for _, v := range emails("a@x", "a@x", "b@x", "b@x", "a@x") {
		recs = append(recs, v.(map[string]any))
	}
	src := &flakySource{SliceSource: batch.SliceSource{Records: recs}, failAt: 4, failing: true}

	var stdout bytes.Buffer
	r := &Runner{
		Stdout: &stdout,
		NewSource: func(context.Context, config.Source) (batch.Source, error) {
			return src, nil
		},
	}
	_, err := r.Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "err=%v", err)
	assert.Empty(t, stdout.String(), "no report on failure")

	cur, err := storagefile.NewCheckpoints(p.Checkpoint.Path).Get(context.Background(), "STATE")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 4, cur.Offset)

	src.failing = false
	res, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, cur.RunID, res.RunID)

	rep := decodeReport(t, stdout.Bytes())
	assert.Equal(t, 3, rep["a@x"].Count)
	assert.Equal(t, 2, rep["b@x"].Count)
}

// TestRun_ResumeWithChangedSettingsFails resumes a checkpoint written with
// min_duplications=3 under min_duplications=2. Continuing would leave the
// buffered "a" records unemitted, so the run must refuse before reading.
func TestRun_ResumeWithChangedSettingsFails(t *testing.T) {
	p := basePipeline(t)
	p.Dedup.MinDuplications = 3
	p.Sink = config.Sink{Kind: config.SinkFile, Path: filepath.Join(t.TempDir(), "dups.jsonl")}

	var recs []records.Record
	for _, v := range emails("a", "a", "b", "a") {
		recs = append(recs, v.(map[string]any))
	}
	src := &flakySource{SliceSource: batch.SliceSource{Records: recs}, failAt: 2, failing: true}

	var stdout bytes.Buffer
	r := &Runner{
		Stdout: &stdout,
		NewSource: func(context.Context, config.Source) (batch.Source, error) {
			return src, nil
		},
	}
	_, err := r.Run(context.Background(), p)
	require.Error(t, err)
	require.True(t, errors.IsTransient(err), "err=%v", err)

	cps := storagefile.NewCheckpoints(p.Checkpoint.Path)
	before, err := cps.Get(context.Background(), "STATE")
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, before.Settings)
	assert.Equal(t, 3, before.Settings.MinDuplications)
	assert.Equal(t, []string{"email"}, before.Settings.Fields)

	src.failing = false
	changed := p
	changed.Dedup.MinDuplications = 2
	_, err = r.Run(context.Background(), changed)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err), "err=%v", err)
	assert.Contains(t, err.Error(), "min_duplications 3, now 2")
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Empty(t, stdout.String(), "no report on refusal")

	after, err := cps.Get(context.Background(), "STATE")
	require.NoError(t, err)
	require.NotNil(t, after, "checkpoint kept")
	assert.Equal(t, before.Offset, after.Offset)

	// The original settings still resume and emit every "a".
	res, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 3, res.Summary.Emitted+before.OutputOffset)

	b, err := os.ReadFile(p.Sink.Path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(b), "\n"), "sink=%s", b)
}

func TestRun_InvalidPipeline(t *testing.T) {
	p := basePipeline(t)
	p.Dedup.Fields = nil
	_, err := (&Runner{Stdout: &bytes.Buffer{}}).Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestRun_YAMLReportToFile(t *testing.T) {
	p := basePipeline(t)
	p.Dedup.Fields = []string{"email", "pos"}
	p.Report = config.Report{Path: filepath.Join(t.TempDir(), "out", "report.yaml"), Format: "yaml"}

	var stdout bytes.Buffer
	_, err := (&Runner{Stdout: &stdout}).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, stdout.String())

	b, err := os.ReadFile(p.Report.Path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "email:\n", "block style")

	var doc map[string]map[string]bucketDoc
	require.NoError(t, yaml.Unmarshal(b, &doc))
	assert.Equal(t, 3, doc["email"]["a@x"].Count)
	assert.Empty(t, doc["pos"], "no pos value repeats")
}

func TestEncodeReport_EmptyIsObject(t *testing.T) {
	rep := dedup.Finalize(dedup.Tables{}, []string{"email"}, 2)
	b, err := EncodeReport(rep, "json")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(b))
}

func TestPrefilterSteps_CleanOnly(t *testing.T) {
	p := config.Pipeline{
		Source:    config.Source{Kind: config.SourceFile, CleanOnly: true},
		Prefilter: []config.Transform{{Kind: "hash"}},
	}
	steps := prefilterSteps(p)
	require.Len(t, steps, 2)
	assert.Equal(t, "clean", steps[0].Kind)
	assert.Equal(t, "hash", steps[1].Kind)

	p.Source.Kind = config.SourceHTTP
	assert.Equal(t, p.Prefilter, prefilterSteps(p), "http sources clean server side")

	p.Source.CleanOnly = false
	p.Source.Kind = config.SourceFile
	assert.Equal(t, p.Prefilter, prefilterSteps(p))
}

func TestRun_CleanOnlyDropsCommentFields(t *testing.T) {
	p := basePipeline(t)
	p.Source.CleanOnly = true
	p.Source.Records = []any{
		map[string]any{"email": "a@x", "#note": "x"},
		map[string]any{},
		map[string]any{"email": "a@x"},
	}
	var stdout bytes.Buffer
	res, err := (&Runner{Stdout: &stdout}).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.Filtered, "records kept after the pre-filter")

	rep := decodeReport(t, stdout.Bytes())
	assert.Equal(t, 2, rep["a@x"].Count)
}

// TestRun_SQLiteEndToEnd reads a table, appends duplicates to a sink table
// and checkpoints in the same database, sharing one repository.
func TestRun_SQLiteEndToEnd(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "people.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE people (id INTEGER PRIMARY KEY, email TEXT)`)
	require.NoError(t, err)
	for i, e := range []string{"a@x", "b@x", "a@x", "b@x", "c@x"} {
		_, err = db.Exec(`INSERT INTO people (id, email) VALUES (?, ?)`, i+1, e)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	p := basePipeline(t)
	p.Source = config.Source{Kind: config.SourceSQLite, DSN: dsn, Table: "people", OrderBy: "id"}
	p.Sink = config.Sink{Kind: config.SourceSQLite, DSN: dsn, Table: "dups"}
	p.Checkpoint = config.Checkpoint{Kind: config.SourceSQLite, DSN: " " + dsn, Table: "cps", Key: "STATE"}

	opened := 0
	r := &Runner{
		Stdout: &bytes.Buffer{},
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			opened++
			return storage.New(ctx, cfg)
		},
	}
	res, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 4, res.Summary.Emitted)
	assert.Equal(t, 2, res.Report.DuplicateGroups())

	db, err = sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM dups`).Scan(&n))
	assert.Equal(t, 4, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cps`).Scan(&n))
	assert.Zero(t, n, "checkpoint deleted at DONE")
}

func TestSetupMetrics(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "")
	cleanup, err := SetupMetrics(context.Background(), "job", "none", "", nil)
	require.NoError(t, err)
	cleanup()

	_, err = SetupMetrics(context.Background(), "job", "statsd", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.True(t, strings.Contains(err.Error(), "statsd"))
}
