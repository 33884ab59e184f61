package html

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"dupscan/internal/config"
	"dupscan/internal/errors"
)

const listing = `
<ul>
  <li class="rec"><a class="name" href=" /p/1 ">Ann</a><span class="tel">tel: 123</span></li>
  <li class="rec"><a class="name" href="/p/2">Bob</a><i class="tag">a</i><i class="tag">b</i></li>
  <li class="rec"></li>
</ul>`

func rulesOptions() config.Options {
	return config.Options{
		"record_selector": ".rec",
		"mappings": []any{
			map[string]any{"selector": ".name", "field": "name"},
			map[string]any{"selector": ".name", "extract": "attr", "attr": "href", "json_path": "href"},
			map[string]any{"selector": ".tel", "field": "phone", "match": `(\d+)`},
			map[string]any{"selector": ".tag", "field": "tags", "all": true},
		},
	}
}

// TestExtract_RecordMode verifies one record per record element, attr
// trimming, regex capture groups and "all" collection. Elements without
// any field produce no record.
func TestExtract_RecordMode(t *testing.T) {
	t.Parallel()

	rules, err := ParseRules(rulesOptions())
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	recs, err := rules.Extract(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %#v", len(recs), recs)
	}
	if recs[0]["name"] != "Ann" || recs[0]["href"] != "/p/1" || recs[0]["phone"] != "123" {
		t.Fatalf("unexpected first record: %#v", recs[0])
	}
	if !reflect.DeepEqual(recs[1]["tags"], []string{"a", "b"}) {
		t.Fatalf("expected tags [a b], got %#v", recs[1]["tags"])
	}
	if _, ok := recs[1]["phone"]; ok {
		t.Fatalf("missing selector must not produce a field: %#v", recs[1])
	}
}

func TestParseRules_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts config.Options
	}{
		{"no selector", config.Options{"mappings": []any{map[string]any{"selector": "a", "field": "x"}}}},
		{"no mappings", config.Options{"record_selector": ".r"}},
		{"bad regex", config.Options{"record_selector": ".r", "mappings": []any{
			map[string]any{"selector": "a", "field": "x", "match": "("},
		}}},
		{"attr without name", config.Options{"record_selector": ".r", "mappings": []any{
			map[string]any{"selector": "a", "field": "x", "extract": "attr"},
		}}},
		{"unknown extract", config.Options{"record_selector": ".r", "mappings": []any{
			map[string]any{"selector": "a", "field": "x", "extract": "js"},
		}}},
		{"mapping not an object", config.Options{"record_selector": ".r", "mappings": []any{"a"}}},
		{"missing mappings file", config.Options{"record_selector": ".r", "mappings_file": "/nonexistent/m.json"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRules(tc.opts)
			if !errors.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestParseRules_MappingsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "m.json")
	doc := `{"record_selector": ".rec", "mappings": [{"selector": ".name", "extract": "text", "json_path": "name"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := ParseRules(config.Options{"mappings_file": path})
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if rules.RecordSelector != ".rec" || rules.Mappings[0].Field != "name" {
		t.Fatalf("unexpected rules: %#v", rules)
	}
}

// TestLoad_Directory verifies file name order and the source_file tag.
func TestLoad_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Created out of order to check sorting.
	for name, body := range map[string]string{
		"b.html": `<div class="rec"><a class="name">B</a></div>`,
		"a.html": `<div class="rec"><a class="name">A</a></div><div class="rec"><a class="name">A2</a></div>`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	src, err := Load(context.Background(), config.Source{Kind: config.SourceHTML, Path: dir, Options: rulesOptions()}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var names, files []string
	for _, r := range src.Records {
		names = append(names, r["name"].(string))
		files = append(files, r[SourceFileField].(string))
	}
	if !reflect.DeepEqual(names, []string{"A", "A2", "B"}) {
		t.Fatalf("unexpected order: %v", names)
	}
	if !reflect.DeepEqual(files, []string{"a.html", "a.html", "b.html"}) {
		t.Fatalf("unexpected source files: %v", files)
	}
}

func TestLoad_MissingPathIsNotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(context.Background(), config.Source{
		Kind: config.SourceHTML, Path: filepath.Join(t.TempDir(), "nope.html"), Options: rulesOptions(),
	}, nil)
	if !errors.IsSourceNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoad_URL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(listing))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	load := func(path string) error {
		_, err := Load(context.Background(), config.Source{Kind: config.SourceHTML, URL: srv.URL + path, Options: rulesOptions()}, srv.Client())
		return err
	}

	src, err := Load(context.Background(), config.Source{Kind: config.SourceHTML, URL: srv.URL + "/list", Options: rulesOptions()}, srv.Client())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n, _ := src.Count(context.Background()); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}

	if err := load("/missing"); !errors.IsSourceNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := load("/down"); !errors.IsTransient(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

// TestLoad_URLPaging follows relative next links and stops at a page it has
// already read.
func TestLoad_URLPaging(t *testing.T) {
	t.Parallel()

	page := func(name, next string) string {
		return `<div class="rec"><b class="name">` + name + `</b></div><a class="next" href="` + next + `">next</a>`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/list/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page("Ann", "2")))
	})
	mux.HandleFunc("/list/2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page("Bob", "/list/1")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := func(extra config.Options) config.Options {
		o := config.Options{
			"record_selector": ".rec",
			"mappings":        []any{map[string]any{"selector": ".name", "field": "name"}},
		}
		for k, v := range extra {
			o[k] = v
		}
		return o
	}
	names := func(o config.Options) []string {
		t.Helper()
		src, err := Load(context.Background(), config.Source{Kind: config.SourceHTML, URL: srv.URL + "/list/1", Options: o}, srv.Client())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		var out []string
		for _, r := range src.Records {
			out = append(out, r["name"].(string))
		}
		return out
	}

	if got := names(opts(nil)); !reflect.DeepEqual(got, []string{"Ann"}) {
		t.Fatalf("without next_selector: %v", got)
	}
	if got := names(opts(config.Options{"next_selector": "a.next"})); !reflect.DeepEqual(got, []string{"Ann", "Bob"}) {
		t.Fatalf("with next_selector: %v", got)
	}
	if got := names(opts(config.Options{"next_selector": "a.next", "max_pages": 1})); !reflect.DeepEqual(got, []string{"Ann"}) {
		t.Fatalf("max_pages=1: %v", got)
	}
}

func TestResolveHref(t *testing.T) {
	t.Parallel()

	cases := []struct{ base, href, want string }{
		{"https://x.test/a/b", "c", "https://x.test/a/c"},
		{"https://x.test/a/b", "/c?p=2", "https://x.test/c?p=2"},
		{"https://x.test/a/b", "https://y.test/", "https://y.test/"},
	}
	for _, c := range cases {
		if got := resolveHref(c.base, c.href); got != c.want {
			t.Fatalf("resolveHref(%q, %q) = %q, want %q", c.base, c.href, got, c.want)
		}
	}
}

func TestApplyRegexFilter(t *testing.T) {
	t.Parallel()

	if got := applyRegexFilter("abc", nil); got != "abc" {
		t.Fatalf("nil regex: got %q", got)
	}
	rules, err := ParseRules(config.Options{"record_selector": ".r", "mappings": []any{
		map[string]any{"selector": "a", "field": "x", "match": `\d+`},
	}})
	if err != nil {
		t.Fatal(err)
	}
	re := rules.Mappings[0].re
	if got := applyRegexFilter("no digits", re); got != "" {
		t.Fatalf("no match: got %q", got)
	}
	if got := applyRegexFilter("id 42", re); got != "42" {
		t.Fatalf("full match: got %q", got)
	}
}
