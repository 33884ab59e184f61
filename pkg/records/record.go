// Package records defines the record shape that flows from sources through
// pre-filters into duplicate detection and out to sinks.
package records

import "strings"

// Record is one item of a record set: an ordered-by-name mapping from field
// name to value. Values are whatever the source produced (string,
// json.Number, int64, float64, bool, time.Time, nested maps/slices, nil).
//
// The detection core treats records as read-only.
type Record = map[string]any

// IsMissing reports whether v counts as an absent value for grouping:
// nil or the empty string.
func IsMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	default:
		return false
	}
}

// Clean drops empty records and fields whose name starts with '#'.
//
// Hidden '#'-prefixed fields are the convention used by record stores for
// crawler metadata; "clean" fetches exclude them. Clean returns a new slice
// and new maps only for records it had to rewrite.
func Clean(in []Record) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		if len(r) == 0 {
			continue
		}
		hidden := false
		for k := range r {
			if strings.HasPrefix(k, "#") {
				hidden = true
				break
			}
		}
		if !hidden {
			out = append(out, r)
			continue
		}
		cp := make(Record, len(r))
		for k, v := range r {
			if strings.HasPrefix(k, "#") {
				continue
			}
			cp[k] = v
		}
		if len(cp) > 0 {
			out = append(out, cp)
		}
	}
	return out
}
