// Package httpds reads records from a paginated JSON HTTP endpoint.
//
// Every page is one GET with the offset and limit passed as query
// parameters, so the same request always names the same slice of the
// remote record set. Transient failures (network errors, 429, 5xx) are
// retried with exponential backoff; 404 means the record set does not exist.
package httpds

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/metrics"
	jsonparser "dupscan/internal/parser/json"
	"dupscan/pkg/records"
)

// Defaults for Source options.
const (
	DefaultOffsetParam = "offset"
	DefaultLimitParam  = "limit"
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
	DefaultTimeout     = 60 * time.Second

	maxErrorBody = 4096
)

// Source is a batch.Source over an HTTP endpoint.
//
// Options (source.options):
//   - offset_param, limit_param: query parameter names (default offset, limit)
//   - query: extra query parameters (map)
//   - headers: request headers (map)
//   - records_path: dot path to the record array in the response
//     (default: root array, or the first array field of a root object)
//   - records_field: passed to the JSON parser when records_path is empty
//   - count_header: response header carrying the total item count
//   - count_path: dot path to the total item count in the response
//   - rate_per_second, burst: client side request rate (default unlimited)
//   - max_attempts, base_backoff_ms, max_backoff_ms: retry policy
//   - timeout_seconds: per request timeout
//
// With clean_only set on the source, clean=true is added to every request
// so the server drops hidden fields and empty records itself.
type Source struct {
	Job    string
	URL    *url.URL
	Client *http.Client

	OffsetParam string
	LimitParam  string
	Query       map[string]string
	Headers     map[string]string
	Clean       bool

	RecordsPath string
	CountHeader string
	CountPath   string
	ParserOpts  config.Options

	Limiter     *rate.Limiter
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger *zap.SugaredLogger

	// sleep waits d or until ctx is done; false means ctx ended.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds a Source from the http source configuration.
func New(job string, src config.Source, client *http.Client) (*Source, error) {
	u, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewConfigurationError("http source: invalid url %q", src.URL)
	}
	o := src.Options
	timeout := time.Duration(o.Float("timeout_seconds", DefaultTimeout.Seconds()) * float64(time.Second))
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
			},
		}
	}

	s := &Source{
		Job:         job,
		URL:         u,
		Client:      client,
		OffsetParam: o.String("offset_param", DefaultOffsetParam),
		LimitParam:  o.String("limit_param", DefaultLimitParam),
		Query:       o.StringMap("query"),
		Headers:     o.StringMap("headers"),
		Clean:       src.CleanOnly,
		RecordsPath: strings.TrimSpace(o.String("records_path", "")),
		CountHeader: strings.TrimSpace(o.String("count_header", "")),
		CountPath:   strings.TrimSpace(o.String("count_path", "")),
		ParserOpts:  o,
		MaxAttempts: o.Int("max_attempts", DefaultMaxAttempts),
		BaseBackoff: time.Duration(o.Int("base_backoff_ms", int(DefaultBaseBackoff/time.Millisecond))) * time.Millisecond,
		MaxBackoff:  time.Duration(o.Int("max_backoff_ms", int(DefaultMaxBackoff/time.Millisecond))) * time.Millisecond,
		Logger:      logger.Named("httpds"),
	}
	if s.MaxAttempts < 1 {
		return nil, errors.NewConfigurationError("http source: max_attempts must be >= 1, got %d", s.MaxAttempts)
	}
	if rps := o.Float("rate_per_second", 0); rps > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(rps), o.Int("burst", 1))
	}
	return s, nil
}

// FetchPage requests limit records starting at offset.
func (s *Source) FetchPage(ctx context.Context, offset, limit int) ([]records.Record, error) {
	body, _, err := s.get(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	recs, err := s.decodeRecords(ctx, body)
	if err != nil {
		return nil, errors.NewConfigurationError("http source: decode page at offset %d: %v", offset, err)
	}
	return recs, nil
}

// Count returns the total item count reported by the endpoint, from
// count_header or count_path. Without either it returns 0, which makes the
// loop scan until an empty page.
func (s *Source) Count(ctx context.Context) (int, error) {
	if s.CountHeader == "" && s.CountPath == "" {
		return 0, nil
	}
	body, hdr, err := s.get(ctx, 0, 1)
	if err != nil {
		return 0, err
	}
	if s.CountHeader != "" {
		if v := strings.TrimSpace(hdr.Get(s.CountHeader)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, errors.NewConfigurationError("http source: header %s=%q is not a count", s.CountHeader, v)
			}
			return n, nil
		}
		if s.CountPath == "" {
			return 0, errors.NewConfigurationError("http source: response has no %s header", s.CountHeader)
		}
	}

	doc, err := decodeAny(body)
	if err != nil {
		return 0, errors.NewConfigurationError("http source: decode count response: %v", err)
	}
	v, ok := lookupPath(doc, s.CountPath)
	if !ok {
		return 0, errors.NewConfigurationError("http source: count_path %q not found in response", s.CountPath)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, errors.NewConfigurationError("http source: count_path %q holds %T, not a count", s.CountPath, v)
	}
	return n, nil
}

func (s *Source) pageURL(offset, limit int) string {
	u := *s.URL
	q := u.Query()
	for k, v := range s.Query {
		q.Set(k, v)
	}
	q.Set(s.OffsetParam, strconv.Itoa(offset))
	q.Set(s.LimitParam, strconv.Itoa(limit))
	if s.Clean {
		q.Set("clean", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// attempt is the outcome of one request.
type attempt struct {
	status     int
	body       []byte
	header     http.Header
	err        error
	retryAfter time.Duration
}

func (s *Source) get(ctx context.Context, offset, limit int) ([]byte, http.Header, error) {
	rawURL := s.pageURL(offset, limit)
	log := logger.Or(s.Logger)
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last attempt
	for n := 1; n <= s.MaxAttempts; n++ {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}
		last = s.do(ctx, rawURL)

		switch {
		case last.err == nil && last.status >= 200 && last.status < 300:
			return last.body, last.header, nil
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case last.status == http.StatusNotFound:
			return nil, nil, errors.NewSourceNotFoundError("http source: %s returned 404", s.URL.Redacted())
		case last.status == http.StatusUnauthorized || last.status == http.StatusForbidden:
			return nil, nil, errors.WithHint(
				errors.NewConfigurationError("http source: %s returned %d: %s", s.URL.Redacted(), last.status, last.body),
				"check the credentials in source.options.headers",
			)
		case last.err == nil && !retryable(last.status):
			return nil, nil, errors.NewConfigurationError("http source: %s returned %d: %s", s.URL.Redacted(), last.status, last.body)
		}

		if n == s.MaxAttempts {
			break
		}
		wait := nextRetryDelay(last, n, s.BaseBackoff, s.MaxBackoff)
		log.Warnw("http request failed, retrying",
			"url", s.URL.Redacted(), "offset", offset, "attempt", n, "status", last.status, "error", last.err, "wait", wait)
		if !sleep(ctx, wait) {
			return nil, nil, ctx.Err()
		}
	}

	err := last.err
	if err == nil {
		err = errors.Newf("http status %d: %s", last.status, last.body)
	}
	return nil, nil, errors.MarkUnavailable(err,
		"http source: "+s.URL.Redacted()+" failed after "+strconv.Itoa(s.MaxAttempts)+" attempts")
}

func (s *Source) do(ctx context.Context, rawURL string) attempt {
	start := time.Now()
	var a attempt
	defer func() {
		metrics.RecordHTTP(s.Job, a.status, a.err, time.Since(start), int64(len(a.body)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		a.err = err
		return a
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "dupscan/1.0")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		a.err = err
		return a
	}
	defer resp.Body.Close()
	a.status = resp.StatusCode
	a.header = resp.Header

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		a.body = bytes.TrimSpace(b)
		if resp.StatusCode == http.StatusTooManyRequests {
			a.retryAfter = parseRetryAfter(resp.Header)
		}
		return a
	}
	a.body, a.err = io.ReadAll(resp.Body)
	return a
}

func (s *Source) decodeRecords(ctx context.Context, body []byte) ([]records.Record, error) {
	if s.RecordsPath == "" {
		return jsonparser.ReadRecords(ctx, bytes.NewReader(body), s.ParserOpts)
	}
	doc, err := decodeAny(body)
	if err != nil {
		return nil, err
	}
	v, ok := lookupPath(doc, s.RecordsPath)
	if !ok {
		return nil, errors.Newf("records_path %q not found", s.RecordsPath)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.Newf("records_path %q holds %T, not an array", s.RecordsPath, v)
	}
	out := make([]records.Record, 0, len(arr))
	for i, el := range arr {
		switch t := el.(type) {
		case map[string]any:
			out = append(out, t)
		case nil:
		default:
			return nil, errors.Newf("records_path %q element %d is %T, not an object", s.RecordsPath, i, el)
		}
	}
	return out, nil
}

func decodeAny(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// lookupPath walks a dot separated path of object keys.
func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case float64:
		return int(t), t == float64(int(t))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func nextRetryDelay(a attempt, n int, base, max time.Duration) time.Duration {
	if a.status == http.StatusTooManyRequests && a.retryAfter > 0 {
		return a.retryAfter
	}
	// Exponential: base * 2^(n-1), clamped.
	d := base << uint(n-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
