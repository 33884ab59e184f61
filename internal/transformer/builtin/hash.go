// Package builtin contains the stock pre-filter steps: hash, normalize,
// require and clean.
package builtin

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/transformer"
	"dupscan/pkg/records"
)

func init() {
	transformer.Register("hash", NewHash)
}

// DefaultHashField is the target field used when target_field is not set.
const DefaultHashField = "row_hash"

// Hash writes the hex SHA-256 of selected fields into a target field, so a
// combination of fields can be listed as one dedup field. The hash is never
// missing: records with some empty fields still group.
//
//	{"kind": "hash", "options": {"fields": ["first_name", "last_name"], "target_field": "person_key"}}
//
// Fields are written in order, separated by Separator (0x1f when empty). A
// missing or nil value is a single NUL byte, so it differs from "". Times
// are hashed as RFC3339Nano in UTC.
type Hash struct {
	Fields      []string
	TargetField string

	// IncludeFieldNames hashes "field=value" instead of "value".
	IncludeFieldNames bool
	Separator         string

	// Overwrite replaces an existing TargetField. Otherwise such records
	// pass through unchanged.
	Overwrite bool

	// TrimSpace trims string and []byte values before hashing.
	TrimSpace bool
}

// NewHash builds a Hash step from options. fields is required.
func NewHash(opts config.Options) (transformer.Step, error) {
	h := Hash{
		Fields:            opts.Strings("fields"),
		TargetField:       opts.String("target_field", DefaultHashField),
		IncludeFieldNames: opts.Bool("include_field_names", true),
		Separator:         opts.String("separator", ""),
		Overwrite:         opts.Bool("overwrite", true),
		TrimSpace:         opts.Bool("trim_space", true),
	}
	if len(h.Fields) == 0 {
		return nil, errors.NewConfigurationError("hash: options.fields must list at least one field")
	}
	if h.TargetField == "" {
		return nil, errors.NewConfigurationError("hash: options.target_field must not be empty")
	}
	return h, nil
}

// Apply returns the page with the target field set. Input records are not
// modified; every hashed record is a shallow copy.
func (h Hash) Apply(ctx context.Context, in []records.Record) ([]records.Record, error) {
	if len(in) == 0 || h.TargetField == "" || len(h.Fields) == 0 {
		return in, nil
	}

	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	out := make([]records.Record, len(in))
	for i, r := range in {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if r == nil {
			out[i] = r
			continue
		}
		if !h.Overwrite {
			if _, exists := r[h.TargetField]; exists {
				out[i] = r
				continue
			}
		}

		sum := hashRecord(r, h.Fields, sep, h.IncludeFieldNames, h.TrimSpace)
		cp := copyRecord(r, 1)
		cp[h.TargetField] = hex.EncodeToString(sum[:])
		out[i] = cp
	}
	return out, nil
}

func hashRecord(r records.Record, fields []string, sep string, includeNames bool, trimSpace bool) [sha256.Size]byte {
	h := sha256.New()
	w := bufio.NewWriter(h)
	for i, f := range fields {
		if i > 0 {
			w.WriteString(sep)
		}
		if includeNames {
			w.WriteString(f)
			w.WriteByte('=')
		}
		w.WriteString(canonical(r[f], trimSpace))
	}
	w.Flush()

	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return sum
}

// canonical renders v for hashing. nil becomes "\x00".
func canonical(v any, trimSpace bool) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		if trimSpace && HasEdgeSpace(t) {
			return strings.TrimSpace(t)
		}
		return t
	case []byte:
		return canonical(string(t), trimSpace)
	case time.Time:
		if !t.IsZero() {
			t = t.UTC()
		}
		return t.Format(time.RFC3339Nano)
	case fmt.Stringer:
		// json.Number from either decoder.
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// copyRecord returns a shallow copy of r with room for extra fields.
func copyRecord(r records.Record, extra int) records.Record {
	cp := make(records.Record, len(r)+extra)
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
