package html

import (
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"dupscan/internal/errors"
	"dupscan/pkg/records"
)

// Extract parses an HTML document and returns one record per element matched
// by the record selector, in document order.
//
// Missing selectors are not errors; they simply produce no field. Elements
// that yield no fields at all produce no record.
func (r *Rules) Extract(doc io.Reader) ([]records.Record, error) {
	d, err := goquery.NewDocumentFromReader(doc)
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return r.extractDoc(d), nil
}

func (r *Rules) extractDoc(d *goquery.Document) []records.Record {
	var out []records.Record
	d.Find(r.RecordSelector).Each(func(_ int, sel *goquery.Selection) {
		if rec := r.extractOne(sel); len(rec) > 0 {
			out = append(out, rec)
		}
	})
	return out
}

// nextURL returns the absolute next-page link of d, or "" when there is
// none or no next_selector is configured.
func (r *Rules) nextURL(d *goquery.Document, pageURL string) string {
	if r.NextSelector == "" {
		return ""
	}
	href, ok := d.Find(r.NextSelector).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}
	return resolveHref(pageURL, href)
}

// resolveHref resolves href against base. Unparsable input is returned
// unchanged.
func resolveHref(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}

// extractOne applies all mappings relative to root.
//
// Semantics:
//   - If Mapping.All is true, all selector matches are collected into []string.
//   - Otherwise, only the first match is extracted.
//   - If Mapping.Match is set and has a capture group, group 1 is used;
//     otherwise the full match. No match omits the field.
func (r *Rules) extractOne(root *goquery.Selection) records.Record {
	rec := make(records.Record)
	for _, m := range r.Mappings {
		if m.All {
			var vals []string
			root.Find(m.Selector).Each(func(_ int, sel *goquery.Selection) {
				if v := applyRegexFilter(m.value(sel), m.re); v != "" {
					vals = append(vals, v)
				}
			})
			if len(vals) > 0 {
				rec[m.Field] = vals
			}
			continue
		}

		sel := root.Find(m.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		if v := applyRegexFilter(m.value(sel), m.re); v != "" {
			rec[m.Field] = v
		}
	}
	return rec
}

// value returns the extracted string, "" for no value.
func (m Mapping) value(sel *goquery.Selection) string {
	switch m.Extract {
	case "attr":
		if v, ok := sel.Attr(m.Attr); ok {
			return strings.TrimSpace(v)
		}
		return ""
	case "html":
		h, err := goquery.OuterHtml(sel)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(h)
	default:
		return strings.TrimSpace(sel.Text())
	}
}

// applyRegexFilter applies an optional regex post-processing step to value.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
