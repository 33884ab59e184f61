package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupscan/internal/errors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validPipeline() Pipeline {
	return Pipeline{
		Job:        "people",
		Source:     Source{Kind: SourceFile, Path: "people.json", Format: "json"},
		Dedup:      Dedup{Fields: []string{"email"}, MinDuplications: 2, ShowItems: true},
		Runtime:    Runtime{BatchSize: 100},
		Sink:       Sink{Kind: SinkNone},
		Checkpoint: Checkpoint{Kind: SinkFile, Path: "cp.json", Key: "STATE"},
		Report:     Report{Format: "json"},
	}
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := writeFile(t, "p.yaml", `
job: people
source:
  kind: inline
  records:
    - {Email: a@x, Name: Ann}
    - {Email: a@x, Name: Bob}
  options:
    HeaderMap: {A: b}
dedup:
  field: Email
prefilter:
  - kind: require
    options:
      fields: [Email]
`)

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "people", p.Job)
	assert.Equal(t, DefaultBatchSize, p.Runtime.BatchSize)
	assert.Equal(t, DefaultMinDuplications, p.Dedup.MinDuplications)
	assert.True(t, p.Dedup.ShowIndexes)
	assert.True(t, p.Dedup.ShowItems)
	assert.True(t, p.Dedup.ShowMissing)
	assert.Equal(t, DefaultCheckpointKey, p.Checkpoint.Key)
	assert.Equal(t, SinkFile, p.Checkpoint.Kind)
	assert.Equal(t, "json", p.Report.Format)
	assert.Equal(t, []string{"Email"}, p.Dedup.AllFields())

	require.Len(t, p.Source.Records, 2)
	first, ok := p.Source.Records[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ann", first["Name"], "record keys keep their case")
	assert.Contains(t, p.Source.Options, "HeaderMap")
	assert.Equal(t, []string{"Email"}, p.Prefilter[0].Options.Strings("fields"))

	assert.False(t, HasErrors(ValidatePipeline(p)))
}

func TestLoad_JSONAndEnvOverride(t *testing.T) {
	path := writeFile(t, "p.json", `{
	"job": "j",
	"source": {"kind": "file", "path": "x.csv", "format": "csv", "options": {"comma": ";"}},
	"dedup": {"fields": ["a", "b"], "min_duplications": 3, "show_missing": false},
	"runtime": {"batch_size": 10}
}`)
	t.Setenv("DUPSCAN_RUNTIME_BATCH_SIZE", "25")
	t.Setenv("DUPSCAN_SINK_KIND", "stdout")

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, p.Runtime.BatchSize)
	assert.Equal(t, SinkStdout, p.Sink.Kind)
	assert.Equal(t, 3, p.Dedup.MinDuplications)
	assert.False(t, p.Dedup.ShowMissing)
	assert.Equal(t, []string{"a", "b"}, p.Dedup.AllFields())
	assert.Equal(t, ';', p.Source.Options.Rune("comma", ','))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	bad := writeFile(t, "bad.json", `{"job": `)
	_, err = Load(bad)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestDedup_AllFieldsMergesLegacyField(t *testing.T) {
	d := Dedup{Field: "b", Fields: []string{"a", "b", "", "c", "a"}}
	assert.Equal(t, []string{"b", "a", "c"}, d.AllFields())
}

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p *Pipeline)
		wantPath string
	}{
		{"no fields", func(p *Pipeline) { p.Dedup.Fields = nil }, "dedup.fields"},
		{"threshold zero", func(p *Pipeline) { p.Dedup.MinDuplications = 0 }, "dedup.min_duplications"},
		{"batch size zero", func(p *Pipeline) { p.Runtime.BatchSize = 0 }, "runtime.batch_size"},
		{"negative limit", func(p *Pipeline) { p.Runtime.Limit = -1 }, "runtime.limit"},
		{"negative offset", func(p *Pipeline) { p.Runtime.Offset = -1 }, "runtime.offset"},
		{"no source kind", func(p *Pipeline) { p.Source.Kind = "" }, "source.kind"},
		{"unknown source", func(p *Pipeline) { p.Source.Kind = "ftp" }, "source.kind"},
		{"file without path", func(p *Pipeline) { p.Source.Path = "" }, "source.path"},
		{"bad format", func(p *Pipeline) { p.Source.Format = "xml" }, "source.format"},
		{"sql without dsn", func(p *Pipeline) { p.Source = Source{Kind: SourcePostgres, Table: "t"} }, "source.dsn"},
		{"html without selector", func(p *Pipeline) { p.Source = Source{Kind: SourceHTML, Path: "x.html"} }, "source.options.record_selector"},
		{"html negative max_pages", func(p *Pipeline) {
			p.Source = Source{Kind: SourceHTML, URL: "https://x.test", Options: Options{"record_selector": ".r", "max_pages": -1}}
		}, "source.options.max_pages"},
		{"inline non-object", func(p *Pipeline) { p.Source = Source{Kind: SourceInline, Records: []any{"x"}} }, "source.records[0]"},
		{"unknown sink", func(p *Pipeline) { p.Sink.Kind = "kafka" }, "sink.kind"},
		{"file sink without path", func(p *Pipeline) { p.Sink.Kind = SinkFile }, "sink.path"},
		{"sql checkpoint without dsn", func(p *Pipeline) { p.Checkpoint = Checkpoint{Kind: SourceSQLite, Key: "k"} }, "checkpoint.dsn"},
		{"checkpoint without key", func(p *Pipeline) { p.Checkpoint.Key = "" }, "checkpoint.key"},
		{"bad report format", func(p *Pipeline) { p.Report.Format = "xml" }, "report.format"},
		{"unknown prefilter", func(p *Pipeline) { p.Prefilter = []Transform{{Kind: "lua"}} }, "prefilter[0].kind"},
		{"exec unparsable", func(p *Pipeline) {
			p.Prefilter = []Transform{{Kind: "exec", Options: Options{"command": `jq '.`}}}
		}, "prefilter[0].options.command"},
		{"hash without fields", func(p *Pipeline) {
			p.Prefilter = []Transform{{Kind: "hash", Options: Options{"target_field": "k"}}}
		}, "prefilter[0].options.fields"},
		{"unknown metrics backend", func(p *Pipeline) { p.Metrics.Backend = "statsd" }, "metrics.backend"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPipeline()
			tc.mutate(&p)
			issues := ValidatePipeline(p)
			require.True(t, HasErrors(issues), "issues=%v", issues)

			var paths []string
			for _, i := range issues {
				if i.Severity == SeverityError {
					paths = append(paths, i.Path)
				}
			}
			assert.Contains(t, paths, tc.wantPath)

			err := IssuesError(issues)
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
		})
	}
}

func TestValidatePipeline_ValidHasNoErrors(t *testing.T) {
	issues := ValidatePipeline(validPipeline())
	assert.False(t, HasErrors(issues), "issues=%v", issues)
	assert.NoError(t, IssuesError(issues))
}

func TestValidatePipeline_Warnings(t *testing.T) {
	p := validPipeline()
	p.Job = ""
	p.Checkpoint.Kind = SinkNone
	issues := ValidatePipeline(p)
	assert.False(t, HasErrors(issues))

	var warned []string
	for _, i := range issues {
		if i.Severity == SeverityWarning {
			warned = append(warned, i.Path)
		}
	}
	assert.Contains(t, warned, "job")
	assert.Contains(t, warned, "checkpoint.kind")
}

func TestOptions_Accessors(t *testing.T) {
	o := Options{
		"s":     "x",
		"n":     float64(3),
		"ns":    "7",
		"b":     "true",
		"tab":   `\t`,
		"m":     map[string]any{"a": "b", "n": 1},
		"list":  []any{"a", 2},
		"csv":   "a, b,,c",
		"float": "1.5",
	}
	assert.Equal(t, "x", o.String("s", ""))
	assert.Equal(t, "d", o.String("missing", "d"))
	assert.Equal(t, 3, o.Int("n", 0))
	assert.Equal(t, 7, o.Int("ns", 0))
	assert.Equal(t, 9, o.Int("s", 9))
	assert.True(t, o.Bool("b", false))
	assert.True(t, o.Bool("missing", true))
	assert.Equal(t, '\t', o.Rune("tab", ','))
	assert.Equal(t, map[string]string{"a": "b", "n": "1"}, o.StringMap("m"))
	assert.Equal(t, []string{"a", "2"}, o.Strings("list"))
	assert.Equal(t, []string{"a", "b", "c"}, o.Strings("csv"))
	assert.Equal(t, 1.5, o.Float("float", 0))

	var nilOpts Options
	assert.Equal(t, 4, nilOpts.Int("x", 4))
}
