// Package csv reads record sets from delimited text.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dupscan/internal/config"
	"dupscan/internal/transformer/builtin"
	"dupscan/pkg/records"
)

// Emit receives one record and the input line it was read from.
type Emit func(line int, rec records.Record) error

// StreamRecords reads CSV from src and passes one record per data row to
// emit. Field names come from the header row (or the columns option).
//
// Options:
//   - comma: field delimiter (default ','; "\t" or "tab" for TAB)
//   - has_header: first row names the fields (default true)
//   - columns: field names when has_header is false; otherwise col1..colN
//   - header_map: map header text -> field name
//   - normalize_headers: lowercase headers and replace spaces with '_'
//   - trim_space: trim values (default true)
//   - lazy_quotes, fields_per_record: passed to encoding/csv
//
// Empty cells become nil, so they count as missing values. Malformed rows are
// reported through onErr and skipped; the scan continues.
func StreamRecords(
	ctx context.Context,
	src io.Reader,
	opt config.Options,
	emit Emit,
	onErr func(line int, err error),
) error {
	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	normalize := opt.Bool("normalize_headers", false)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if fieldsPer := opt.Int("fields_per_record", 0); fieldsPer != 0 {
		cr.FieldsPerRecord = fieldsPer
	} else {
		cr.FieldsPerRecord = -1
	}

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	names := opt.Strings("columns")
	if hasHeader {
		hdr, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return fmt.Errorf("csv: read header: %w", err)
		}
		names = headerNames(hdr, hm, normalize)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		row, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		rec := make(records.Record, len(row))
		for i, v := range row {
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			name := columnName(names, i)
			if v == "" {
				rec[name] = nil
			} else {
				rec[name] = v
			}
		}
		if err := emit(line, rec); err != nil {
			return err
		}
	}
}

// ReadRecords collects every record of the document. Malformed rows are
// passed to onErr (which may be nil) and skipped.
func ReadRecords(ctx context.Context, src io.Reader, opt config.Options, onErr func(line int, err error)) ([]records.Record, error) {
	var out []records.Record
	err := StreamRecords(ctx, src, opt, func(_ int, rec records.Record) error {
		out = append(out, rec)
		return nil
	}, onErr)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func headerNames(hdr []string, hm map[string]string, normalize bool) []string {
	names := make([]string, len(hdr))
	for i, h := range hdr {
		if builtin.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		switch mapped, ok := hm[h]; {
		case ok:
			h = mapped
		case normalize:
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		names[i] = h
	}
	return names
}

// columnName names cell i; cells past the header (or unnamed ones) get
// col<N>, 1-based.
func columnName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return "col" + strconv.Itoa(i+1)
}
