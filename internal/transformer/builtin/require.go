package builtin

import (
	"context"
	"strings"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/transformer"
	"dupscan/pkg/records"
)

func init() {
	transformer.Register("require", NewRequire)
}

// Require drops records that lack the listed fields. A field is missing when
// it is absent, nil or the empty string.
//
// Options:
//   - fields: field names (required)
//   - mode: all (every field present, default) | any (at least one)
type Require struct {
	Fields []string
	Any    bool
}

// NewRequire builds a Require step from options.
func NewRequire(opts config.Options) (transformer.Step, error) {
	r := Require{Fields: opts.Strings("fields")}
	if len(r.Fields) == 0 {
		return nil, errors.NewConfigurationError("require: options.fields must list at least one field")
	}
	switch mode := strings.ToLower(opts.String("mode", "all")); mode {
	case "all":
	case "any":
		r.Any = true
	default:
		return nil, errors.NewConfigurationError("require: unknown mode %q (want all or any)", mode)
	}
	return r, nil
}

func (q Require) Apply(_ context.Context, in []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(in))
	for _, r := range in {
		if q.keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q Require) keep(r records.Record) bool {
	for _, f := range q.Fields {
		present := !records.IsMissing(r[f])
		if q.Any && present {
			return true
		}
		if !q.Any && !present {
			return false
		}
	}
	return !q.Any
}
