package dedup

import (
	"context"
	"strings"

	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

// PreFilter rewrites a whole batch before detection. It may drop, reorder or
// rewrite records; indexes are computed against its output.
//
// Implementations are opaque to the detector. Their errors are returned to
// the caller with the original message.
type PreFilter func(ctx context.Context, batch []records.Record) ([]records.Record, error)

// Detector applies per-field tables to batches of records.
type Detector struct {
	// Fields are checked in this order for every record.
	Fields    []string
	Options   Options
	PreFilter PreFilter
}

// NewDetector validates fields and returns a Detector.
//
// Errors:
//   - ErrConfiguration if fields is empty, contains an empty name or a
//     duplicate name.
func NewDetector(fields []string, opts Options, pre PreFilter) (*Detector, error) {
	if len(fields) == 0 {
		return nil, errors.NewConfigurationError("dedup: at least one field is required")
	}
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			return nil, errors.NewConfigurationError("dedup: fields[%d] is empty", i)
		}
		if _, dup := seen[f]; dup {
			return nil, errors.NewConfigurationError("dedup: field %q listed twice", f)
		}
		seen[f] = struct{}{}
	}
	return &Detector{
		Fields:    append([]string(nil), fields...),
		Options:   opts,
		PreFilter: pre,
	}, nil
}

// Settings returns the settings d builds tables with. MinDuplications is
// the effective threshold.
func (d *Detector) Settings() Settings {
	return Settings{
		Fields:          append([]string(nil), d.Fields...),
		MinDuplications: d.Options.threshold(),
		ShowIndexes:     d.Options.ShowIndexes,
		ShowItems:       d.Options.ShowItems,
		ShowMissing:     d.Options.ShowMissing,
	}
}

// CheckResume reports whether c's tables can be continued by d. A cursor
// without recorded settings is accepted.
//
// Errors:
//   - ErrConfiguration if c was written with different settings.
func (d *Detector) CheckResume(c *Cursor) error {
	if c == nil || c.Settings == nil {
		return nil
	}
	if diff := c.Settings.Mismatch(d.Settings()); diff != "" {
		return errors.WithHint(
			errors.NewConfigurationError("checkpoint of run %s was written with %s", c.RunID, diff),
			"restore the previous dedup settings, or delete the checkpoint to start a new run",
		)
	}
	return nil
}

// Result is the outcome of one Process call.
type Result struct {
	// Emitted holds records in emission order. Emitted[i] has output index
	// outputOffset+i.
	Emitted []records.Record

	// Filtered is the number of records left after the pre-filter.
	Filtered int
}

// Process runs the pre-filter on page, then observes every record for every
// field, threading one output counter that starts at outputOffset.
//
// The original index of the i-th post-filter record is inputOffset+i.
//
// Tables are mutated in place. When the pre-filter fails, Process returns
// before touching tables.
func (d *Detector) Process(ctx context.Context, tables Tables, page []records.Record, inputOffset, outputOffset int) (Result, error) {
	items := page
	if d.PreFilter != nil {
		filtered, err := d.PreFilter(ctx, page)
		if err != nil {
			return Result{}, errors.WithDetailf(err, "pre-filter failed for batch at offset %d (%d records)", inputOffset, len(page))
		}
		items = filtered
	}

	fieldTables := make([]Table, len(d.Fields))
	for i, f := range d.Fields {
		fieldTables[i] = tables.Table(f)
	}

	var emitted []records.Record
	outputIndex := outputOffset

	for i, rec := range items {
		originalIndex := inputOffset + i
		for fi, field := range d.Fields {
			key, ok := KeyOf(rec, field, d.Options.ShowMissing)
			if !ok {
				continue
			}
			out := fieldTables[fi].Observe(key, rec, originalIndex, outputIndex, d.Options)
			emitted = append(emitted, out...)
			outputIndex += len(out)
		}
	}

	return Result{Emitted: emitted, Filtered: len(items)}, nil
}
