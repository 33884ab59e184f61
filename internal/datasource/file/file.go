// Package file loads record sets held in local JSON or CSV files, or inline
// in the pipeline configuration.
package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"dupscan/internal/batch"
	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	csvparser "dupscan/internal/parser/csv"
	jsonparser "dupscan/internal/parser/json"
	"dupscan/pkg/records"
)

// Formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Load reads the whole file named by src.Path. The format is src.Format, or
// inferred from the extension (.csv and .tsv are CSV, anything else JSON).
//
// A JSON document must be an array of objects, an envelope object holding
// one, a single object or JSON lines. Anything else is a configuration
// error: the input is not a record set and retrying cannot help.
func Load(ctx context.Context, src config.Source) (*batch.SliceSource, error) {
	path := strings.TrimSpace(src.Path)
	if path == "" {
		return nil, errors.NewConfigurationError("file source: path is required")
	}
	format := Format(src)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.NewSourceNotFoundError("file source: %s does not exist", path)
	}
	if err != nil {
		return nil, errors.MarkUnavailable(err, "file source: open "+path)
	}
	defer f.Close()

	log := logger.Named("file").With("path", path, "format", format)

	var recs []records.Record
	switch format {
	case FormatCSV:
		opts := src.Options
		if strings.EqualFold(filepath.Ext(path), ".tsv") && opts.Any("comma") == nil {
			opts = withOption(opts, "comma", "\t")
		}
		skipped := 0
		recs, err = csvparser.ReadRecords(ctx, f, opts, func(line int, err error) {
			skipped++
			log.Warnw("skipping malformed csv row", "line", line, "error", err)
		})
		if err == nil && skipped > 0 {
			log.Warnw("malformed csv rows skipped", "rows", skipped)
		}
	case FormatJSON:
		recs, err = jsonparser.ReadRecords(ctx, f, src.Options)
	default:
		return nil, errors.NewConfigurationError("file source: unknown format %q", format)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WithHint(
			errors.NewConfigurationError("file source: %s is not a valid %s record set: %v", path, format, err),
			"the file must hold an array of objects",
		)
	}

	log.Infow("records loaded", "records", len(recs))
	return &batch.SliceSource{Records: recs}, nil
}

// Format returns the effective format of a file source.
func Format(src config.Source) string {
	if f := strings.ToLower(strings.TrimSpace(src.Format)); f != "" {
		return f
	}
	switch strings.ToLower(filepath.Ext(src.Path)) {
	case ".csv", ".tsv":
		return FormatCSV
	default:
		return FormatJSON
	}
}

// Inline turns the raw records of an inline source into a SliceSource.
// Every element must be an object; null elements are skipped.
func Inline(src config.Source) (*batch.SliceSource, error) {
	recs := make([]records.Record, 0, len(src.Records))
	for i, el := range src.Records {
		switch t := el.(type) {
		case map[string]any:
			recs = append(recs, t)
		case nil:
		default:
			return nil, errors.NewConfigurationError("inline source: records[%d] is %T, not an object", i, el)
		}
	}
	return &batch.SliceSource{Records: recs}, nil
}

func withOption(o config.Options, key string, v any) config.Options {
	cp := make(config.Options, len(o)+1)
	for k, val := range o {
		cp[k] = val
	}
	cp[key] = v
	return cp
}
