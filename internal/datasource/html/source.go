// Package html extracts records from HTML pages with CSS selectors.
//
// Each element matched by record_selector becomes one record; mappings pull
// field values out of it. The input is a local file, a directory of pages
// (read in file name order) or a URL. In URL mode next_selector follows
// next-page links, up to max_pages pages. All records are loaded up front and
// served from a batch.SliceSource.
package html

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"dupscan/internal/batch"
	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/pkg/records"
)

// SourceFileField names the page a record came from in directory mode.
const SourceFileField = "source_file"

// DefaultTimeout bounds one URL fetch.
const DefaultTimeout = 60 * time.Second

// Load reads every record of the html source.
//
// Errors:
//   - missing file, directory or a 404 URL: source not found
//   - network failures and 5xx: source unavailable
//   - bad rules: configuration error
func Load(ctx context.Context, src config.Source, client *http.Client) (*batch.SliceSource, error) {
	rules, err := ParseRules(src.Options)
	if err != nil {
		return nil, err
	}

	var recs []records.Record
	switch {
	case strings.TrimSpace(src.URL) != "":
		if client == nil {
			client = &http.Client{Timeout: DefaultTimeout}
		}
		recs, err = loadURL(ctx, client, rules, strings.TrimSpace(src.URL))
		if err != nil {
			return nil, err
		}
	case strings.TrimSpace(src.Path) != "":
		recs, err = loadPath(ctx, rules, src.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewConfigurationError("html source: path or url is required")
	}

	logger.Named("html").Infow("html records extracted", "records", len(recs), "path", src.Path, "url", src.URL)
	return &batch.SliceSource{Records: recs}, nil
}

// loadURL extracts rawURL and, with next_selector set, the pages it links
// to. It stops when no next link is found, a page repeats or MaxPages pages
// were read.
func loadURL(ctx context.Context, client *http.Client, rules *Rules, rawURL string) ([]records.Record, error) {
	maxPages := rules.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var out []records.Record
	seen := make(map[string]bool)
	next := rawURL
	for pages := 0; next != "" && pages < maxPages && !seen[next]; pages++ {
		seen[next] = true
		body, err := fetch(ctx, client, next)
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewConfigurationError("html source %s: %v", next, err)
		}
		out = append(out, rules.extractDoc(doc)...)
		next = rules.nextURL(doc, next)
	}
	return out, nil
}

func loadPath(ctx context.Context, rules *Rules, path string) ([]records.Record, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.NewSourceNotFoundError("html source: %s does not exist", path)
	}
	if err != nil {
		return nil, errors.MarkUnavailable(err, "html source: stat "+path)
	}
	if !fi.IsDir() {
		return extractFile(rules, path)
	}
	return extractDir(ctx, rules, path)
}

func extractFile(rules *Rules, path string) ([]records.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "html source: open "+path)
	}
	defer f.Close()
	recs, err := rules.Extract(f)
	if err != nil {
		return nil, errors.NewConfigurationError("html source %s: %v", path, err)
	}
	return recs, nil
}

// dirWorkers bounds concurrent page parsing in directory mode.
const dirWorkers = 4

// extractDir reads the pages of dir in file name order and tags every
// record with its file name. Subdirectories are skipped. Pages are parsed
// concurrently; records keep file name order.
func extractDir(ctx context.Context, rules *Rules, dir string) ([]records.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "html source: read dir "+dir)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	pages := make([][]records.Record, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dirWorkers)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := extractFile(rules, filepath.Join(dir, name))
			if err != nil {
				return err
			}
			for _, r := range recs {
				r[SourceFileField] = name
			}
			pages[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []records.Record
	for _, recs := range pages {
		out = append(out, recs...)
	}
	return out, nil
}

// fetch GETs rawURL. Non-2xx responses become classified errors carrying up
// to 4KB of the body.
func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewConfigurationError("html source: invalid url %q: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", "dupscan/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "html source: get "+rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, errors.NewSourceNotFoundError("html source: %s returned 404", rawURL)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, errors.MarkUnavailable(errors.Newf("http status %d: %s", resp.StatusCode, msg), "html source: get "+rawURL)
		default:
			return nil, errors.NewConfigurationError("html source: %s returned %d: %s", rawURL, resp.StatusCode, msg)
		}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.MarkUnavailable(err, "html source: read body")
	}
	return b, nil
}
