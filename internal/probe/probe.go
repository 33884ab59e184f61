// Package probe samples a record source and profiles its fields: how many
// sampled records fill each field, how many distinct values it holds and how
// many of those values repeat.
//
// The profile is a starting point for choosing dedup fields. Sampling is
// bounded by the sample size and distinct tracking by DistinctCap per field,
// so probing a very large or high-cardinality source stays cheap.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dupscan/internal/batch"
	"dupscan/internal/dedup"
	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

const (
	// DefaultSampleSize is the number of records probed when none is given.
	DefaultSampleSize = 1000

	// DistinctCap bounds the values tracked per field. Past the cap a field
	// is marked Capped and its counts stop growing.
	DistinctCap = 10000

	defaultPageSize = 500
)

// FieldStats describes one field of the sample.
type FieldStats struct {
	Field string

	// Filled counts sampled records where the field is present and not
	// missing (nil or "").
	Filled int

	// Distinct counts distinct values among Filled records.
	Distinct int

	// Repeated counts values seen at least twice. When Capped it is a lower
	// bound.
	Repeated int

	Capped bool
}

// UniqueRatio is Distinct/Filled, or 0 for an empty field.
func (f FieldStats) UniqueRatio() float64 {
	if f.Filled == 0 {
		return 0
	}
	return float64(f.Distinct) / float64(f.Filled)
}

// Profile is the result of Compute.
type Profile struct {
	Sampled int

	// Fields is sorted by field name.
	Fields []FieldStats
}

// Sample reads up to n records from the start of src in pages of pageSize.
// pre, when set, runs on every page, so the sample matches what detection
// would see. Reading stops early at an empty page.
func Sample(ctx context.Context, src batch.Source, pre dedup.PreFilter, n, pageSize int) ([]records.Record, error) {
	if n <= 0 {
		n = DefaultSampleSize
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	out := make([]records.Record, 0, n)
	offset := 0
	for len(out) < n {
		size := pageSize
		if left := n - len(out); left < size {
			size = left
		}
		page, err := src.FetchPage(ctx, offset, size)
		if err != nil {
			return nil, errors.Wrapf(err, "probe: fetch offset=%d limit=%d", offset, size)
		}
		if len(page) == 0 {
			break
		}
		start := offset
		offset += len(page)

		if pre != nil {
			page, err = pre(ctx, page)
			if err != nil {
				return nil, errors.Wrapf(err, "probe: pre-filter at offset %d", start)
			}
		}
		for _, r := range page {
			if len(out) == n {
				break
			}
			out = append(out, r)
		}
	}
	return out, nil
}

type fieldTracker struct {
	stats  FieldStats
	counts map[dedup.GroupKey]int
}

// Compute profiles every field that appears in recs. Values are keyed the
// way the detector keys them, so "Distinct" matches dedup grouping.
func Compute(recs []records.Record) Profile {
	trackers := make(map[string]*fieldTracker)

	for _, r := range recs {
		for field := range r {
			t, ok := trackers[field]
			if !ok {
				t = &fieldTracker{stats: FieldStats{Field: field}, counts: make(map[dedup.GroupKey]int)}
				trackers[field] = t
			}
			key, ok := dedup.KeyOf(r, field, false)
			if !ok {
				continue
			}
			t.stats.Filled++
			if t.stats.Capped {
				continue
			}

			n := t.counts[key] + 1
			t.counts[key] = n
			if n == 2 {
				t.stats.Repeated++
			}
			if len(t.counts) >= DistinctCap {
				t.stats.Capped = true
				t.stats.Distinct = DistinctCap
				t.counts = nil
			}
		}
	}

	p := Profile{Sampled: len(recs), Fields: make([]FieldStats, 0, len(trackers))}
	for _, t := range trackers {
		if !t.stats.Capped {
			t.stats.Distinct = len(t.counts)
		}
		p.Fields = append(p.Fields, t.stats)
	}
	sort.Slice(p.Fields, func(i, j int) bool { return p.Fields[i].Field < p.Fields[j].Field })
	return p
}

// Suggest picks up to max fields that look like record identities with
// duplicates: filled in at least half the sample, mostly distinct (unique
// ratio >= 0.5) and with at least one repeated value. Fields closest to
// fully unique come first; ties break by name.
func Suggest(p Profile, max int) []string {
	if p.Sampled == 0 || max <= 0 {
		return nil
	}

	var cands []FieldStats
	for _, f := range p.Fields {
		if f.Repeated == 0 || f.Filled*2 < p.Sampled || f.UniqueRatio() < 0.5 {
			continue
		}
		cands = append(cands, f)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		ri, rj := cands[i].UniqueRatio(), cands[j].UniqueRatio()
		if ri == rj {
			return cands[i].Field < cands[j].Field
		}
		return ri > rj
	})

	out := make([]string, 0, max)
	for _, c := range cands {
		out = append(out, c.Field)
		if len(out) == max {
			break
		}
	}
	return out
}

// Report renders p as a tab-separated table, most repetitive fields first.
func (p Profile) Report() string {
	if p.Sampled == 0 {
		return "profile: no records sampled"
	}

	rows := append([]FieldStats(nil), p.Fields...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Repeated != rows[j].Repeated {
			return rows[i].Repeated > rows[j].Repeated
		}
		return rows[i].Field < rows[j].Field
	})

	var b strings.Builder
	fmt.Fprintf(&b, "profile:\tsampled=%d\n", p.Sampled)
	fmt.Fprintf(&b, "%-20s\t%-7s\t%-7s\t%-8s\tunique\tcapped\n", "field", "filled", "unique", "repeated")
	for _, f := range rows {
		fmt.Fprintf(&b, "%-20s\t%-7d\t%-7d\t%-8d\t%.1f%%\t%t\n",
			f.Field, f.Filled, f.Distinct, f.Repeated, f.UniqueRatio()*100, f.Capped)
	}
	return strings.TrimRight(b.String(), "\n")
}
