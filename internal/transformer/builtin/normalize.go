package builtin

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/transformer"
	"dupscan/pkg/records"
)

func init() {
	transformer.Register("normalize", NewNormalize)
}

// Normalize rewrites string values so that values a person would call equal
// group together: "  Ann Smith" and "ann  smith" both become "ann smith"
// with the defaults.
//
// Options:
//   - fields: fields to rewrite (default: every string field)
//   - form: unicode normal form nfc | nfkc | nfd | nfkd | none (default nfkc)
//   - case: fold | lower | upper | none (default fold)
//   - trim: trim surrounding whitespace (default true)
//   - collapse_space: squeeze whitespace runs to one space and trim (default true)
//   - strip_accents: drop combining marks, "é" -> "e" (default false)
//
// Non-string values are left alone. Records are copied before they change.
type Normalize struct {
	Fields        []string
	Form          string
	Case          string
	Trim          bool
	CollapseSpace bool
	StripAccents  bool
}

// NewNormalize builds a Normalize step from options.
func NewNormalize(opts config.Options) (transformer.Step, error) {
	n := Normalize{
		Fields:        opts.Strings("fields"),
		Form:          strings.ToLower(opts.String("form", "nfkc")),
		Case:          strings.ToLower(opts.String("case", "fold")),
		Trim:          opts.Bool("trim", true),
		CollapseSpace: opts.Bool("collapse_space", true),
		StripAccents:  opts.Bool("strip_accents", false),
	}
	if _, ok := normForm(n.Form); !ok && n.Form != "none" {
		return nil, errors.NewConfigurationError("normalize: unknown form %q (want nfc, nfkc, nfd, nfkd or none)", n.Form)
	}
	switch n.Case {
	case "fold", "lower", "upper", "none":
	default:
		return nil, errors.NewConfigurationError("normalize: unknown case %q (want fold, lower, upper or none)", n.Case)
	}
	return n, nil
}

func normForm(name string) (norm.Form, bool) {
	switch name {
	case "nfc":
		return norm.NFC, true
	case "nfkc":
		return norm.NFKC, true
	case "nfd":
		return norm.NFD, true
	case "nfkd":
		return norm.NFKD, true
	}
	return 0, false
}

// Apply normalizes the configured fields of every record.
func (n Normalize) Apply(ctx context.Context, in []records.Record) ([]records.Record, error) {
	if len(in) == 0 {
		return in, nil
	}
	// Casers and transformer chains keep state; build them per page.
	fn := n.stringFunc()

	out := make([]records.Record, len(in))
	for i, r := range in {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = n.applyRecord(r, fn)
	}
	return out, nil
}

func (n Normalize) applyRecord(r records.Record, fn func(string) string) records.Record {
	var cp records.Record
	set := func(k string, v string) {
		if cp == nil {
			cp = copyRecord(r, 0)
		}
		cp[k] = v
	}

	if len(n.Fields) == 0 {
		for k, v := range r {
			if s, ok := v.(string); ok {
				if ns := fn(s); ns != s {
					set(k, ns)
				}
			}
		}
	} else {
		for _, k := range n.Fields {
			if s, ok := r[k].(string); ok {
				if ns := fn(s); ns != s {
					set(k, ns)
				}
			}
		}
	}
	if cp == nil {
		return r
	}
	return cp
}

func (n Normalize) stringFunc() func(string) string {
	var ts []transform.Transformer
	if n.StripAccents {
		ts = append(ts, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}
	if f, ok := normForm(n.Form); ok {
		ts = append(ts, f)
	}
	switch n.Case {
	case "fold":
		ts = append(ts, cases.Fold())
	case "lower":
		ts = append(ts, cases.Lower(language.Und))
	case "upper":
		ts = append(ts, cases.Upper(language.Und))
	}
	var t transform.Transformer
	if len(ts) > 0 {
		t = transform.Chain(ts...)
	}

	return func(s string) string {
		if t != nil {
			if out, _, err := transform.String(t, s); err == nil {
				s = out
			}
		}
		if n.CollapseSpace {
			s = strings.Join(strings.Fields(s), " ")
		} else if n.Trim {
			s = strings.TrimSpace(s)
		}
		return s
	}
}
