package dedup

import "sort"

// Report is the final, threshold-filtered view of the tables: field ->
// GroupKey -> Bucket.
type Report struct {
	Fields []string
	Groups map[string]map[GroupKey]*Bucket
}

// Finalize keeps only buckets whose count reached threshold. It is pure:
// tables are not modified and buckets are shared, not copied.
//
// fields fixes the report's field order; fields without a table produce an
// empty group map.
func Finalize(tables Tables, fields []string, threshold int) Report {
	if threshold < 1 {
		threshold = 1
	}
	if len(fields) == 0 {
		for f := range tables {
			fields = append(fields, f)
		}
		sort.Strings(fields)
	}

	rep := Report{
		Fields: append([]string(nil), fields...),
		Groups: make(map[string]map[GroupKey]*Bucket, len(fields)),
	}
	for _, f := range fields {
		out := make(map[GroupKey]*Bucket)
		for key, b := range tables[f] {
			if b != nil && b.Count >= threshold {
				out[key] = b
			}
		}
		rep.Groups[f] = out
	}
	return rep
}

// Output returns the user-facing document: GroupKey -> Bucket when a single
// field is tracked, FieldKey -> GroupKey -> Bucket otherwise.
func (r Report) Output() any {
	if len(r.Fields) == 1 {
		return r.Groups[r.Fields[0]]
	}
	return r.Groups
}

// DuplicateGroups counts groups across all fields.
func (r Report) DuplicateGroups() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g)
	}
	return n
}
