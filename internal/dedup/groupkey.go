package dedup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"dupscan/pkg/records"
)

// GroupKey is the canonical string form of a field value. Records whose
// field values render to the same GroupKey are duplicates of each other.
type GroupKey = string

// Missing is the GroupKey used for absent, nil or empty-string values when
// missing-value tracking is enabled.
const Missing GroupKey = "MISSING!"

// KeyOf returns the GroupKey for field in rec.
//
// ok is false when the value is missing and showMissing is false; the
// record must then be skipped for this field.
func KeyOf(rec records.Record, field string, showMissing bool) (key GroupKey, ok bool) {
	v, present := rec[field]
	if !present || records.IsMissing(v) {
		if showMissing {
			return Missing, true
		}
		return "", false
	}
	return canonicalValue(v), true
}

// canonicalValue renders v without going through fmt for the common scalar
// types so equal values from different sources (JSON numbers, SQL ints,
// CSV strings) group together predictably.
func canonicalValue(v any) string {
	var scratch [64]byte

	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"

	case int:
		return string(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int8:
		return string(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int16:
		return string(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int32:
		return string(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int64:
		return string(strconv.AppendInt(scratch[:0], t, 10))

	case uint:
		return string(strconv.AppendUint(scratch[:0], uint64(t), 10))
	case uint8:
		return string(strconv.AppendUint(scratch[:0], uint64(t), 10))
	case uint16:
		return string(strconv.AppendUint(scratch[:0], uint64(t), 10))
	case uint32:
		return string(strconv.AppendUint(scratch[:0], uint64(t), 10))
	case uint64:
		return string(strconv.AppendUint(scratch[:0], t, 10))

	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)

	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)

	case map[string]any, []any, []string:
		// encoding/json sorts map keys, which keeps nested values stable.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)

	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
