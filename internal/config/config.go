// Package config defines the pipeline document that drives a dupscan run:
// where records come from, which pre-filters run on each batch, how
// duplicates are detected, where emissions and checkpoints go, and where the
// final report is written.
//
// Documents are JSON, YAML or TOML, loaded with Load. Environment variables
// prefixed DUPSCAN_ override file values (DUPSCAN_RUNTIME_BATCH_SIZE,
// DUPSCAN_SINK_DSN, ...).
package config

// Pipeline is the full run configuration.
type Pipeline struct {
	// Job names the run in logs and metrics.
	Job string `json:"job" mapstructure:"job"`

	Source     Source      `json:"source" mapstructure:"source"`
	Prefilter  []Transform `json:"prefilter" mapstructure:"prefilter"`
	Dedup      Dedup       `json:"dedup" mapstructure:"dedup"`
	Runtime    Runtime     `json:"runtime" mapstructure:"runtime"`
	Sink       Sink        `json:"sink" mapstructure:"sink"`
	Checkpoint Checkpoint  `json:"checkpoint" mapstructure:"checkpoint"`
	Report     Report      `json:"report" mapstructure:"report"`
	Metrics    Metrics     `json:"metrics" mapstructure:"metrics"`
}

// Source kinds.
const (
	SourceFile     = "file"
	SourceInline   = "inline"
	SourceHTTP     = "http"
	SourceHTML     = "html"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
	SourceMSSQL    = "mssql"
)

// Source selects the record source.
//
// Which attributes apply depends on Kind:
//   - file:   Path, Format (json|csv), Options for the parser
//   - inline: Records
//   - http:   URL, Options (page_param, limit_param, records_path, headers,
//     rate_per_second, max_attempts, ...)
//   - html:   Path or URL, Options (record_selector, mappings)
//   - sqlite, postgres, mssql: DSN, Table, OrderBy
type Source struct {
	Kind    string  `json:"kind" mapstructure:"kind"`
	Path    string  `json:"path" mapstructure:"path"`
	Format  string  `json:"format" mapstructure:"format"`
	URL     string  `json:"url" mapstructure:"url"`
	DSN     string  `json:"dsn" mapstructure:"dsn"`
	Table   string  `json:"table" mapstructure:"table"`
	OrderBy string  `json:"order_by" mapstructure:"order_by"`
	Records []any   `json:"records" mapstructure:"records"`
	Options Options `json:"options" mapstructure:"options"`

	// CleanOnly drops empty records and '#'-prefixed fields before
	// detection. Remote stores are asked to do it server side.
	CleanOnly bool `json:"clean_only" mapstructure:"clean_only"`
}

// Transform is one pre-filter step.
type Transform struct {
	Kind    string  `json:"kind" mapstructure:"kind"`
	Options Options `json:"options" mapstructure:"options"`
}

// Dedup configures detection.
type Dedup struct {
	// Field is the single-field form kept for older documents. It is merged
	// in front of Fields.
	Field  string   `json:"field" mapstructure:"field"`
	Fields []string `json:"fields" mapstructure:"fields"`

	MinDuplications int  `json:"min_duplications" mapstructure:"min_duplications"`
	ShowIndexes     bool `json:"show_indexes" mapstructure:"show_indexes"`
	ShowItems       bool `json:"show_items" mapstructure:"show_items"`
	ShowMissing     bool `json:"show_missing" mapstructure:"show_missing"`
}

// AllFields returns Field followed by Fields, without duplicates, in order.
func (d Dedup) AllFields() []string {
	out := make([]string, 0, len(d.Fields)+1)
	seen := make(map[string]struct{}, len(d.Fields)+1)
	add := func(f string) {
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	add(d.Field)
	for _, f := range d.Fields {
		add(f)
	}
	return out
}

// Runtime bounds the scan.
type Runtime struct {
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// Limit is the input offset at which scanning stops; 0 scans the whole
	// source.
	Limit int `json:"limit" mapstructure:"limit"`

	// Offset is where a fresh run starts. Ignored when resuming.
	Offset int `json:"offset" mapstructure:"offset"`
}

// Sink kinds.
const (
	SinkFile   = "file"
	SinkStdout = "stdout"
	SinkNone   = "none"
)

// Sink selects where emitted duplicates are appended. Besides the kinds
// above, any registered storage kind (sqlite, postgres, mssql) is accepted.
type Sink struct {
	Kind  string `json:"kind" mapstructure:"kind"`
	Path  string `json:"path" mapstructure:"path"`
	DSN   string `json:"dsn" mapstructure:"dsn"`
	Table string `json:"table" mapstructure:"table"`
}

// Checkpoint selects where the cursor is persisted. Kinds are file, none or
// a registered storage kind.
type Checkpoint struct {
	Kind  string `json:"kind" mapstructure:"kind"`
	Path  string `json:"path" mapstructure:"path"`
	DSN   string `json:"dsn" mapstructure:"dsn"`
	Table string `json:"table" mapstructure:"table"`
	Key   string `json:"key" mapstructure:"key"`
}

// Report controls the final document.
type Report struct {
	// Path is the output file; empty writes to stdout.
	Path   string `json:"path" mapstructure:"path"`
	Format string `json:"format" mapstructure:"format"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend string `json:"backend" mapstructure:"backend"`
	// Tags is a comma-separated tag list, e.g. "env:prod,team:data".
	Tags string `json:"tags" mapstructure:"tags"`
}
