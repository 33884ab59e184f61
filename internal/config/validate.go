package config

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"dupscan/internal/errors"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of ValidatePipeline.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// StorageKinds are the database kinds usable as source, sink and checkpoint
// store.
var StorageKinds = []string{SourceSQLite, SourcePostgres, SourceMSSQL}

// PrefilterKinds are the known pre-filter steps.
var PrefilterKinds = []string{"normalize", "hash", "require", "clean", "exec"}

func isStorageKind(k string) bool {
	for _, s := range StorageKinds {
		if s == k {
			return true
		}
	}
	return false
}

// ValidatePipeline checks p and returns every issue found, errors and
// warnings mixed, in document order. It never stops at the first problem.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	errorf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		warnf("job", "job name is empty; logs and metrics will use %q", "dupscan")
	}

	// source
	s := p.Source
	switch s.Kind {
	case SourceFile:
		if s.Path == "" {
			errorf("source.path", "required for kind %q", s.Kind)
		}
		switch strings.ToLower(s.Format) {
		case "", "json", "csv":
		default:
			errorf("source.format", "unknown format %q (want json or csv)", s.Format)
		}
	case SourceInline:
		if s.Records == nil {
			errorf("source.records", "required for kind %q", s.Kind)
		}
		for i, r := range s.Records {
			if _, ok := r.(map[string]any); !ok {
				errorf(fmt.Sprintf("source.records[%d]", i), "must be an object, got %T", r)
			}
		}
	case SourceHTTP:
		if s.URL == "" {
			errorf("source.url", "required for kind %q", s.Kind)
		}
	case SourceHTML:
		if s.Path == "" && s.URL == "" {
			errorf("source", "kind %q needs path or url", s.Kind)
		}
		if s.Options.String("record_selector", "") == "" && s.Options.String("mappings_file", "") == "" {
			errorf("source.options.record_selector", "required for kind %q (or set mappings_file)", s.Kind)
		}
		if s.Options.Int("max_pages", 0) < 0 {
			errorf("source.options.max_pages", "must be >= 0")
		}
		if s.Options.String("next_selector", "") != "" && s.URL == "" {
			warnf("source.options.next_selector", "only used with url; ignored for path")
		}
	case SourceSQLite, SourcePostgres, SourceMSSQL:
		if s.DSN == "" {
			errorf("source.dsn", "required for kind %q", s.Kind)
		}
		if s.Table == "" {
			errorf("source.table", "required for kind %q", s.Kind)
		}
		if s.OrderBy == "" {
			warnf("source.order_by", "no order_by; paging relies on the database's natural order")
		}
	case "":
		errorf("source.kind", "required")
	default:
		errorf("source.kind", "unknown kind %q", s.Kind)
	}

	// prefilter
	for i, t := range p.Prefilter {
		path := fmt.Sprintf("prefilter[%d]", i)
		switch t.Kind {
		case "normalize", "clean":
		case "hash":
			if len(t.Options.Strings("fields")) == 0 {
				errorf(path+".options.fields", "hash needs at least one field")
			}
		case "require":
			if len(t.Options.Strings("fields")) == 0 {
				errorf(path+".options.fields", "require needs at least one field")
			}
		case "exec":
			cmd := t.Options.String("command", "")
			if strings.TrimSpace(cmd) == "" {
				errorf(path+".options.command", "required")
				break
			}
			words, err := shellquote.Split(cmd)
			if err != nil {
				errorf(path+".options.command", "cannot parse: %v", err)
			} else if len(words) == 0 {
				errorf(path+".options.command", "empty command")
			}
		case "":
			errorf(path+".kind", "required")
		default:
			errorf(path+".kind", "unknown kind %q (want one of %s)", t.Kind, strings.Join(PrefilterKinds, ", "))
		}
	}

	// dedup
	d := p.Dedup
	fields := d.AllFields()
	if len(fields) == 0 {
		errorf("dedup.fields", "at least one field is required")
	}
	for i, f := range d.Fields {
		if strings.TrimSpace(f) == "" {
			errorf(fmt.Sprintf("dedup.fields[%d]", i), "empty field name")
		}
	}
	if d.MinDuplications < 1 {
		errorf("dedup.min_duplications", "must be >= 1, got %d", d.MinDuplications)
	}
	if !d.ShowItems && p.Sink.Kind != "" && p.Sink.Kind != SinkNone {
		warnf("sink.kind", "show_items is false; sink %q will receive nothing", p.Sink.Kind)
	}

	// runtime
	if p.Runtime.BatchSize < 1 {
		errorf("runtime.batch_size", "must be >= 1, got %d", p.Runtime.BatchSize)
	}
	if p.Runtime.Limit < 0 {
		errorf("runtime.limit", "must be >= 0, got %d", p.Runtime.Limit)
	}
	if p.Runtime.Offset < 0 {
		errorf("runtime.offset", "must be >= 0, got %d", p.Runtime.Offset)
	}
	if p.Runtime.Limit > 0 && p.Runtime.Offset >= p.Runtime.Limit {
		warnf("runtime.offset", "offset %d is at or past limit %d; nothing will be scanned", p.Runtime.Offset, p.Runtime.Limit)
	}

	// sink
	switch k := p.Sink.Kind; {
	case k == "" || k == SinkNone:
	case k == SinkStdout:
		if p.Report.Path == "" {
			warnf("sink.kind", "stdout sink and report both write to stdout")
		}
	case k == SinkFile:
		if p.Sink.Path == "" {
			errorf("sink.path", "required for kind %q", k)
		}
	case isStorageKind(k):
		if p.Sink.DSN == "" {
			errorf("sink.dsn", "required for kind %q", k)
		}
	default:
		errorf("sink.kind", "unknown kind %q", k)
	}

	// checkpoint
	switch k := p.Checkpoint.Kind; {
	case k == SinkNone:
		warnf("checkpoint.kind", "checkpointing disabled; an interrupted run restarts from the beginning")
	case k == SinkFile:
		if p.Checkpoint.Path == "" {
			errorf("checkpoint.path", "required for kind %q", k)
		}
	case isStorageKind(k):
		if p.Checkpoint.DSN == "" {
			errorf("checkpoint.dsn", "required for kind %q", k)
		}
	default:
		errorf("checkpoint.kind", "unknown kind %q", k)
	}
	if p.Checkpoint.Kind != SinkNone && p.Checkpoint.Key == "" {
		errorf("checkpoint.key", "required")
	}

	// report
	switch strings.ToLower(p.Report.Format) {
	case "", "json", "yaml", "yml":
	default:
		errorf("report.format", "unknown format %q (want json or yaml)", p.Report.Format)
	}

	// metrics
	switch p.Metrics.Backend {
	case "", "none", "datadog":
	default:
		errorf("metrics.backend", "unknown backend %q", p.Metrics.Backend)
	}

	return issues
}

// HasErrors reports whether issues contains an error-severity issue.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// IssuesError folds the error-severity issues into one ErrConfiguration
// error, or returns nil when there are none.
func IssuesError(issues []Issue) error {
	var msgs []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			msgs = append(msgs, i.Path+": "+i.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.WithHint(
		errors.NewConfigurationError("invalid pipeline: %s", strings.Join(msgs, "; ")),
		"run `dupscan validate --config <file>` to list every issue",
	)
}
