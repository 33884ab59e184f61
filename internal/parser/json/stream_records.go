// Package json reads record sets from JSON documents.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dupscan/internal/config"
	"dupscan/pkg/records"
)

// Emit receives one record and its 1-based position in the document.
type Emit func(line int, rec records.Record) error

// StreamRecords parses JSON from r according to opts and passes every record
// to emit, in document order.
//
// Streaming behavior:
//   - If the root is a JSON array, it streams each object element one-by-one.
//   - If the root is a JSON object and contains an array field, it streams
//     the first such array field one-by-one (envelope pattern). With
//     records_field set, only that field is considered.
//   - If the root is a single object with no array fields, it emits one record.
//   - Objects following the root value (JSON Lines) are emitted as well.
//
// Any non-object element in a record array is an error: a record set is an
// array of objects.
//
// opts:
//   - records_field: name of the envelope field holding the records
//   - header_map: map original key -> normalized key
//   - array_join_separator: when set, arrays of strings are flattened into
//     one string joined by it
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	opts config.Options,
	emit Emit,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber() // numbers keep their literal text; GroupKeys depend on it.

	s := &stream{
		ctx:          ctx,
		dec:          dec,
		emit:         emit,
		onParseErr:   onParseErr,
		headerMap:    readHeaderMap(opts),
		sep:          opts.String("array_join_separator", ""),
		recordsField: strings.TrimSpace(opts.String("records_field", "")),
	}
	return s.run()
}

// ReadRecords collects every record of the document.
func ReadRecords(ctx context.Context, r io.Reader, opts config.Options) ([]records.Record, error) {
	var out []records.Record
	err := StreamRecords(ctx, r, opts, func(_ int, rec records.Record) error {
		out = append(out, rec)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stream walks one document token by token so record arrays are never
// buffered whole.
type stream struct {
	ctx          context.Context
	dec          *json.Decoder
	emit         Emit
	onParseErr   func(line int, err error)
	headerMap    map[string]string
	sep          string
	recordsField string

	// line counts emitted records.
	line int
}

func (s *stream) parseErr(err error) {
	if s.onParseErr != nil {
		s.onParseErr(s.line+1, err)
	}
}

func (s *stream) object(obj map[string]any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.line++
	return s.emit(s.line, toRecord(obj, s.headerMap, s.sep))
}

func (s *stream) run() error {
	tok, err := s.dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		if s.onParseErr != nil {
			s.onParseErr(0, err)
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch tok {
	case json.Delim('['):
		if s.recordsField != "" {
			return fmt.Errorf("json: records_field %q set but the root is an array", s.recordsField)
		}
		if err := s.array(); err != nil {
			return err
		}
	case json.Delim('{'):
		if err := s.root(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}
	return s.trailing()
}

// array emits the elements of an array whose '[' was consumed, then
// consumes the ']'. null elements are skipped.
func (s *stream) array() error {
	for s.dec.More() {
		var raw any
		if err := s.dec.Decode(&raw); err != nil {
			s.parseErr(err)
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("json: array element %d not an object (got %T)", s.line+1, raw)
			s.parseErr(err)
			return err
		}
		if err := s.object(obj); err != nil {
			return err
		}
	}
	return s.expect(']')
}

// root handles a root object whose '{' was consumed. The records_field
// array, or the first array field when records_field is unset, is streamed
// and the remaining fields are skipped. Without such a field the object is
// one record.
func (s *stream) root() error {
	single := make(map[string]any)
	streamed := false

	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			s.parseErr(err)
			return fmt.Errorf("json: read object key: %w", err)
		}
		key, _ := keyTok.(string)
		valTok, err := s.dec.Token()
		if err != nil {
			s.parseErr(err)
			return fmt.Errorf("json: read object value token: %w", err)
		}

		named := s.recordsField != "" && key == s.recordsField
		isArray := valTok == json.Delim('[')
		switch {
		case named && !isArray:
			return fmt.Errorf("json: records_field %q is not an array", s.recordsField)
		case !streamed && isArray && (named || s.recordsField == ""):
			if err := s.array(); err != nil {
				return err
			}
			streamed = true
		case streamed || s.recordsField != "":
			if _, err := s.value(valTok, false); err != nil {
				return err
			}
		default:
			v, err := s.value(valTok, true)
			if err != nil {
				s.parseErr(err)
				return err
			}
			single[key] = v
		}
	}
	if err := s.expect('}'); err != nil {
		return err
	}

	switch {
	case streamed:
		return nil
	case s.recordsField != "":
		return fmt.Errorf("json: records_field %q not found in root object", s.recordsField)
	default:
		return s.object(single)
	}
}

// trailing emits the objects that follow the root value (JSON Lines).
func (s *stream) trailing() error {
	for {
		var obj map[string]any
		err := s.dec.Decode(&obj)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.parseErr(err)
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		if obj == nil {
			continue
		}
		if err := s.object(obj); err != nil {
			return err
		}
	}
}

// value reads the rest of the value starting at tok. With keep unset the
// value is skipped and nil is returned.
func (s *stream) value(tok json.Token, keep bool) (any, error) {
	switch tok {
	case json.Delim('{'):
		var m map[string]any
		if keep {
			m = make(map[string]any)
		}
		for s.dec.More() {
			kt, err := s.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object key: %w", err)
			}
			vt, err := s.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object value: %w", err)
			}
			v, err := s.value(vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				k, _ := kt.(string)
				m[k] = v
			}
		}
		if err := s.expect('}'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return m, nil

	case json.Delim('['):
		var arr []any
		for s.dec.More() {
			vt, err := s.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array value: %w", err)
			}
			v, err := s.value(vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				arr = append(arr, v)
			}
		}
		if err := s.expect(']'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return arr, nil
	}

	if !keep {
		return nil, nil
	}
	return tok, nil
}

func (s *stream) expect(d json.Delim) error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", d, err)
	}
	if tok != d {
		return fmt.Errorf("json: expected %q, got %v", d, tok)
	}
	return nil
}

// readHeaderMap extracts header_map from parser options.
func readHeaderMap(opts config.Options) map[string]string {
	res := make(map[string]string)

	switch m := opts.Any("header_map").(type) {
	case map[string]string:
		for k, v := range m {
			res[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				res[k] = s
			}
		}
	}

	return res
}

// toRecord renames header_map keys and flattens string arrays. obj is
// freshly decoded and owned by the parser, so it is rewritten in place.
func toRecord(obj map[string]any, headerMap map[string]string, sep string) records.Record {
	for orig, norm := range headerMap {
		if orig == "" || norm == "" || orig == norm {
			continue
		}
		if v, ok := obj[orig]; ok {
			delete(obj, orig)
			obj[norm] = v
		}
	}
	if sep != "" {
		for k, v := range obj {
			obj[k] = normalizeScalarJSONValue(v, sep)
		}
	}
	return obj
}

// normalizeScalarJSONValue flattens array-of-strings to a joined string.
// Everything else passes through untouched.
func normalizeScalarJSONValue(v any, sep string) any {
	switch t := v.(type) {
	case nil:
		return nil

	case []string:
		if len(t) == 0 {
			return ""
		}
		return strings.Join(t, sep)

	case []any:
		if len(t) == 0 {
			return ""
		}
		ss := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return v // mixed types; keep original
			}
			ss = append(ss, s)
		}
		if len(ss) == 0 {
			return ""
		}
		return strings.Join(ss, sep)

	default:
		return v
	}
}
