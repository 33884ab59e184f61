package html

import (
	"os"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"dupscan/internal/config"
	"dupscan/internal/errors"
)

// Mapping is one extraction rule, evaluated relative to a record element.
type Mapping struct {
	Selector string `json:"selector"`            // CSS selector inside the record element
	Extract  string `json:"extract"`             // "text" (default), "attr", "html"
	Attr     string `json:"attr,omitempty"`      // used when Extract == "attr"
	Field    string `json:"field"`               // record field name
	JSONPath string `json:"json_path,omitempty"` // alias of Field
	Match    string `json:"match,omitempty"`     // optional regex filter (applies to extracted value)
	All      bool   `json:"all,omitempty"`       // collect all matches into []string

	re *regexp.Regexp
}

// DefaultMaxPages bounds next-page following when next_selector is set
// without max_pages.
const DefaultMaxPages = 100

// Rules is a parsed record_selector plus its mappings.
type Rules struct {
	RecordSelector string    `json:"record_selector"`
	Mappings       []Mapping `json:"mappings"`

	// NextSelector, when set, selects the link (href) to the next listing
	// page in URL mode.
	NextSelector string `json:"next_selector,omitempty"`
	MaxPages     int    `json:"max_pages,omitempty"`
}

// ParseRules reads extraction rules from source options. Mappings come from
// options.mappings or from the JSON file named by options.mappings_file;
// options.record_selector overrides the file's selector.
//
// Mapping entries accept json_path as an alias of field.
func ParseRules(opts config.Options) (*Rules, error) {
	var r Rules
	if path := opts.String("mappings_file", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NewConfigurationError("html source: mappings file %s does not exist", path)
			}
			return nil, errors.Wrap(err, "read mappings file")
		}
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, errors.NewConfigurationError("html source: parse mappings file %s: %v", path, err)
		}
	}
	if raw, ok := opts.Any("mappings").([]any); ok {
		ms, err := mappingsFromOptions(raw)
		if err != nil {
			return nil, err
		}
		r.Mappings = ms
	}
	if sel := strings.TrimSpace(opts.String("record_selector", "")); sel != "" {
		r.RecordSelector = sel
	}
	if sel := strings.TrimSpace(opts.String("next_selector", "")); sel != "" {
		r.NextSelector = sel
	}
	r.MaxPages = opts.Int("max_pages", r.MaxPages)
	switch {
	case r.MaxPages < 0:
		return nil, errors.NewConfigurationError("html source: max_pages must be >= 0, got %d", r.MaxPages)
	case r.MaxPages == 0 && r.NextSelector != "":
		r.MaxPages = DefaultMaxPages
	case r.MaxPages == 0:
		r.MaxPages = 1
	}

	if r.RecordSelector == "" {
		return nil, errors.NewConfigurationError("html source: record_selector is required")
	}
	if len(r.Mappings) == 0 {
		return nil, errors.NewConfigurationError("html source: no mappings")
	}
	for i := range r.Mappings {
		if err := r.Mappings[i].compile(); err != nil {
			return nil, errors.Wrapf(err, "html source: mappings[%d]", i)
		}
	}
	return &r, nil
}

func mappingsFromOptions(raw []any) ([]Mapping, error) {
	out := make([]Mapping, 0, len(raw))
	for i, el := range raw {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, errors.NewConfigurationError("html source: mappings[%d] is %T, not an object", i, el)
		}
		o := config.Options(m)
		field := o.String("field", "")
		if field == "" {
			field = o.String("json_path", "")
		}
		out = append(out, Mapping{
			Selector: o.String("selector", ""),
			Extract:  o.String("extract", "text"),
			Attr:     o.String("attr", ""),
			Field:    field,
			Match:    o.String("match", ""),
			All:      o.Bool("all", false),
		})
	}
	return out, nil
}

func (m *Mapping) compile() error {
	if m.Field == "" {
		m.Field = m.JSONPath
	}
	if m.Selector == "" {
		return errors.NewConfigurationError("selector is required")
	}
	if m.Field == "" {
		return errors.NewConfigurationError("field is required for selector %q", m.Selector)
	}
	switch m.Extract {
	case "":
		m.Extract = "text"
	case "text", "html":
	case "attr":
		if m.Attr == "" {
			return errors.NewConfigurationError("attr is required for field %q", m.Field)
		}
	default:
		return errors.NewConfigurationError("unknown extract %q for field %q", m.Extract, m.Field)
	}
	if strings.TrimSpace(m.Match) == "" {
		return nil
	}
	re, err := regexp.Compile(m.Match)
	if err != nil {
		return errors.NewConfigurationError("invalid regex for field %q: %v", m.Field, err)
	}
	m.re = re
	return nil
}
